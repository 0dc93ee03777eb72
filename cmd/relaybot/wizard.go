package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"relaybot/internal/config"

	"github.com/spf13/cobra"
)

// platformMeta describes the settings the wizard asks for per platform.
type platformMeta struct {
	Name   string
	Desc   string
	Fields []wizardField
}

type wizardField struct {
	Key    string // relative to platforms.<name>
	Prompt string
}

var knownPlatforms = []platformMeta{
	{Name: "discord", Desc: "Discord bot (gateway + REST)", Fields: []wizardField{
		{"token", "Bot token (or ${DISCORD_TOKEN})"},
		{"channelId", "Channel ID to relay"},
	}},
	{Name: "onebot", Desc: "QQ group through a OneBot v11 implementation", Fields: []wizardField{
		{"wsUrl", "OneBot event WebSocket URL"},
		{"apiUrl", "OneBot HTTP API URL"},
		{"accessToken", "Access token (empty if none)"},
		{"groupId", "QQ group number"},
	}},
	{Name: "slack", Desc: "Slack app in Socket Mode", Fields: []wizardField{
		{"botToken", "Bot token xoxb-... (or ${SLACK_BOT_TOKEN})"},
		{"appToken", "App-level token xapp-... (or ${SLACK_APP_TOKEN})"},
		{"channelId", "Channel ID to relay"},
	}},
	{Name: "telegram", Desc: "Telegram bot (long polling)", Fields: []wizardField{
		{"token", "Bot token from @BotFather (or ${TELEGRAM_TOKEN})"},
		{"chatId", "Group chat ID (negative for groups)"},
	}},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: cache → platforms → save config",
		Long:  "Asks which platforms to bridge and their credentials, then writes the config to the path used by --config or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(os.Stdin, os.Stdout, cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
			fmt.Println("Next: run 'relaybot doctor', then 'relaybot run'.")
			return nil
		},
	}
}

// runWizard edits cfg from answers read on in and validates the result.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, " [%s]: ", def)
		} else {
			fmt.Fprint(out, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}

	fmt.Fprintln(out, "\n--- Step 1: Attachment cache ---")
	fmt.Fprint(out, "Directory for downloaded attachments")
	dir, err := prompt(cfg.Cache.Dir)
	if err != nil {
		return err
	}
	cfg.Cache.Dir = config.ExpandPath(dir)
	if err := os.MkdirAll(cfg.Cache.Dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	fmt.Fprintf(out, "  Using cache: %s\n", cfg.Cache.Dir)

	fmt.Fprintln(out, "\n--- Step 2: Platforms ---")
	for _, p := range knownPlatforms {
		base := "platforms." + p.Name
		enabled, _ := config.GetByPath(cfg, base+".enabled")
		def := "n"
		if enabled == true {
			def = "y"
		}
		fmt.Fprintf(out, "Bridge %s (%s)? y/n", p.Name, p.Desc)
		ans, err := prompt(def)
		if err != nil {
			return err
		}
		on := strings.HasPrefix(strings.ToLower(ans), "y")
		if err := config.SetByPath(cfg, base+".enabled", fmt.Sprint(on)); err != nil {
			return err
		}
		if !on {
			continue
		}
		for _, f := range p.Fields {
			cur, _ := config.GetByPath(cfg, base+"."+f.Key)
			def := displayValue(cur)
			fmt.Fprint(out, "  "+f.Prompt)
			v, err := prompt(def)
			if err != nil {
				return err
			}
			if v == "" {
				continue
			}
			if err := config.SetByPath(cfg, base+"."+f.Key, v); err != nil {
				return fmt.Errorf("%s.%s: %w", base, f.Key, err)
			}
		}
	}

	if n := len(cfg.EnabledPlatforms()); n < 2 {
		fmt.Fprintf(out, "\nNote: %d platform(s) enabled; at least two are needed to relay anything.\n", n)
	}
	return config.Validate(cfg)
}

// displayValue renders a config value as a prompt default. Zero ids show
// as empty.
func displayValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == 0 {
			return ""
		}
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
