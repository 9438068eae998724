package main

import (
	"log"

	"github.com/m3rciful/faqbot/bot/app"
	"github.com/m3rciful/faqbot/core/cmd"
)

func main() {
	if err := cmd.Run(cmd.Options{
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: "config.yaml",
		LoadConfig:        app.LoadConfig,
		Bootstrap:         app.Bootstrap,
	}); err != nil {
		log.Fatal(err)
	}
}
