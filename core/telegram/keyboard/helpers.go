package keyboard

import tele "gopkg.in/telebot.v4"

// RemoveKeyboard returns a markup that hides the keyboard.
func RemoveKeyboard() *tele.ReplyMarkup {
	return &tele.ReplyMarkup{RemoveKeyboard: true}
}

// ReplyButtons builds a one-time reply keyboard from rows of text.
// Empty labels are skipped and empty rows are dropped.
func ReplyButtons(rows ...[]string) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
	var keyboard []tele.Row
	for _, row := range rows {
		var buttons []tele.Btn
		for _, label := range row {
			if label == "" {
				continue
			}
			buttons = append(buttons, markup.Text(label))
		}
		if len(buttons) == 0 {
			continue
		}
		keyboard = append(keyboard, markup.Row(buttons...))
	}
	markup.Reply(keyboard...)
	return markup
}

// Column lays labels out one per row.
func Column(labels ...string) [][]string {
	rows := make([][]string, 0, len(labels))
	for _, label := range labels {
		rows = append(rows, []string{label})
	}
	return rows
}

// Labels returns the button texts of a reply keyboard in row order.
func Labels(markup *tele.ReplyMarkup) []string {
	if markup == nil {
		return nil
	}
	var out []string
	for _, row := range markup.ReplyKeyboard {
		for _, btn := range row {
			out = append(out, btn.Text)
		}
	}
	return out
}
