package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaybot/internal/cache"
	"relaybot/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your relaybot installation",
		Long: `Verifies that the configuration, attachment cache, platform credentials
and metrics listener are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("relaybot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &report{w: os.Stdout}
			runChecks(r, resolveConfigPath())

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running relaybot.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nrelaybot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! relaybot is ready to run.\n")
			}
			return nil
		},
	}
}

// report prints check results and tallies them.
type report struct {
	w                      io.Writer
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	fmt.Fprintf(r.w, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *report) fail(check, detail string) {
	fmt.Fprintf(r.w, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *report) warn(check, detail string) {
	fmt.Fprintf(r.w, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func runChecks(r *report, cfgPath string) {
	if _, err := os.Stat(cfgPath); err != nil {
		r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Fprintf(r.w, "\nRun 'relaybot init' to create a default configuration.\n")
		return
	}
	r.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		r.fail("Config validation", err.Error())
		return
	}
	r.pass("Config validation", "valid")

	checkCache(r, cfg.Cache)
	checkPlatforms(r, cfg.Platforms)

	if cfg.Metrics.Enabled {
		if err := checkAddr(cfg.Metrics.Addr); err != nil {
			r.warn("Metrics listener", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
		} else {
			r.pass("Metrics listener", cfg.Metrics.Addr+" available")
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
}

func checkCache(r *report, cc config.CacheConfig) {
	if err := checkWritable(cc.Dir); err != nil {
		r.fail("Cache directory", err.Error())
		return
	}
	size, files := dirUsage(cc.Dir)
	r.pass("Cache directory", fmt.Sprintf("%s (%d files, %s)", cc.Dir, files, humanize.Bytes(uint64(size))))

	idx, err := cache.OpenIndex(filepath.Join(cc.Dir, "index.db"))
	if err != nil {
		r.fail("Cache index", err.Error())
		return
	}
	defer idx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := idx.Count(ctx)
	if err != nil {
		r.fail("Cache index", err.Error())
		return
	}
	r.pass("Cache index", fmt.Sprintf("%d entries", n))

	if cc.MaxFileBytes == 0 {
		r.warn("Attachment limit", "unlimited; large uploads will be cached in full")
	} else {
		r.pass("Attachment limit", humanize.IBytes(uint64(cc.MaxFileBytes)))
	}
}

func checkPlatforms(r *report, p config.PlatformsConfig) {
	enabled := 0
	if p.Discord.Enabled {
		enabled++
		r.pass("Platform: discord", "channel "+p.Discord.ChannelID)
	}
	if p.OneBot.Enabled {
		enabled++
		detail := fmt.Sprintf("group %d via %s", p.OneBot.GroupID, p.OneBot.WSURL)
		if p.OneBot.AccessToken == "" {
			r.warn("Platform: onebot", detail+" (no access token)")
		} else {
			r.pass("Platform: onebot", detail)
		}
	}
	if p.Slack.Enabled {
		enabled++
		switch {
		case !strings.HasPrefix(p.Slack.AppToken, "xapp-"):
			r.warn("Platform: slack", "appToken should start with xapp- (Socket Mode app-level token)")
		case !strings.HasPrefix(p.Slack.BotToken, "xoxb-"):
			r.warn("Platform: slack", "botToken should start with xoxb-")
		default:
			r.pass("Platform: slack", "channel "+p.Slack.ChannelID)
		}
	}
	if p.Telegram.Enabled {
		enabled++
		r.pass("Platform: telegram", fmt.Sprintf("chat %d", p.Telegram.ChatID))
	}

	switch enabled {
	case 0:
		r.fail("Platforms", "no platforms enabled")
	case 1:
		r.warn("Platforms", "only one platform enabled; nothing will be relayed")
	}
}

// checkWritable creates dir if needed and writes a scratch file into it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func dirUsage(dir string) (size int64, files int) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
			files++
		}
		return nil
	})
	return size, files
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
