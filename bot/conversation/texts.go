package conversation

import coreconfig "github.com/m3rciful/faqbot/core/config"

// Texts holds every user-visible string.
type Texts struct {
	Greeting       string
	Help           string
	MenuPrompt     string
	NoneOfThese    string
	Unresolved     string
	RatingPrompt   string
	RatingThanks   string
	RateLimitReply string
}

// DefaultTexts returns the built-in Russian texts.
func DefaultTexts() Texts {
	return Texts{
		Greeting:       "Здравствуйте! Задайте свой вопрос, и я постараюсь на него ответить.",
		Help:           "Напишите вопрос обычным сообщением. Если я не уверен в ответе, предложу несколько тем на выбор.",
		MenuPrompt:     "К сожалению, я не понял ваш вопрос, выберите один из вариантов предложенных ниже",
		NoneOfThese:    "Ни один из вариантов не подошел",
		Unresolved:     "Мы рассмотрим ваш вопрос и постараемся добавить ответ на него в нашу базу данных",
		RatingPrompt:   "Оцените пожалуйста нашу работу:",
		RatingThanks:   "Спасибо за вашу оценку! \nВаша оценка была записана.",
		RateLimitReply: "Слишком много сообщений, попробуйте чуть позже.",
	}
}

// WithOverrides replaces defaults with the non-empty configured values.
func (t Texts) WithOverrides(cfg coreconfig.TextsConfig) Texts {
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&t.Greeting, cfg.Greeting)
	pick(&t.Help, cfg.Help)
	pick(&t.MenuPrompt, cfg.MenuPrompt)
	pick(&t.NoneOfThese, cfg.NoneOfThese)
	pick(&t.Unresolved, cfg.Unresolved)
	pick(&t.RatingPrompt, cfg.RatingPrompt)
	pick(&t.RatingThanks, cfg.RatingThanks)
	pick(&t.RateLimitReply, cfg.RateLimitReply)
	return t
}
