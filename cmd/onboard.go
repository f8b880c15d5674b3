package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/drostlabs/drost/internal/auth"
	"github.com/drostlabs/drost/internal/config"
)

func onboardCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Interactively write a starter config",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard(force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runOnboard(force bool) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil && !force {
		fmt.Fprintf(os.Stderr, "%s already exists; re-run with --force to overwrite\n", cfgPath)
		os.Exit(1)
	}

	cfg := config.Default()
	var (
		workspace     = cfg.WorkspaceDir
		adapter       = "anthropic"
		model         string
		apiKey        string
		telegramToken string
		discordToken  string
		controlToken  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Sessions, media, and state live under <workspace>/.drost").
				Value(&workspace),
			huh.NewSelect[string]().
				Title("Default provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI-compatible", "openai"),
					huh.NewOption("Echo (offline smoke runs)", "echo"),
				).
				Value(&adapter),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the adapter default").
				Value(&model),
			huh.NewInput().
				Title("Provider API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Discord bot token (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewInput().
				Title("Control API token (optional, loopback stays open)").
				EchoMode(huh.EchoModePassword).
				Value(&controlToken),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "onboard aborted: %v\n", err)
		os.Exit(1)
	}

	cfg.WorkspaceDir = workspace
	cfg.AuthStorePath = filepath.Join(workspace, ".drost", "auth.json")
	cfg.ControlAPI.AuthToken = controlToken

	profileID := adapter + "-default"
	profile := config.ProviderProfile{ID: profileID, AdapterID: adapter, Model: model}
	if apiKey != "" && adapter != "echo" {
		profile.AuthProfileID = profileID
	}
	cfg.Providers.Profiles = []config.ProviderProfile{profile}
	cfg.Providers.DefaultSessionProvider = profileID

	if telegramToken != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.AuthProfileID = "telegram-bot"
	}
	if discordToken != "" {
		cfg.Channels.Discord.Enabled = true
		cfg.Channels.Discord.AuthProfileID = "discord-bot"
	}

	// Secrets go to the auth store, never the config file.
	if apiKey != "" || telegramToken != "" || discordToken != "" {
		store, err := auth.NewFileStore(config.ExpandHome(cfg.AuthStorePath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "auth store: %v\n", err)
			os.Exit(1)
		}
		for id, secret := range map[string]string{
			profileID:      apiKey,
			"telegram-bot": telegramToken,
			"discord-bot":  discordToken,
		} {
			if secret == "" {
				continue
			}
			if err := store.Put(id, secret); err != nil {
				fmt.Fprintf(os.Stderr, "auth store: %v\n", err)
				os.Exit(1)
			}
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
	fmt.Println("Start the gateway with: drost gateway")
}
