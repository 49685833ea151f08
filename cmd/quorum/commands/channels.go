package commands

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MEKXH/quorum/internal/config"
)

func NewChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage chat channels",
	}

	cmd.AddCommand(
		newChannelsListCmd(),
		newChannelsStatusCmd(),
		newChannelsStartCmd(),
		newChannelsStopCmd(),
		newChannelsNotifyCmd(),
	)

	return cmd
}

func newChannelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configured channels",
		RunE:  runChannelsList,
	}
}

func newChannelsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show detailed channel status",
		RunE:  runChannelsStatus,
	}
}

func newChannelsStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <channel>",
		Short: "Enable a channel in config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsSetEnabled(args[0], true)
		},
	}
}

func newChannelsStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <channel>",
		Short: "Disable a channel in config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsSetEnabled(args[0], false)
		},
	}
}

func newChannelsNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Manage the chats that receive approval notifications",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:     "add <channel> <chat_id>",
			Short:   "Broadcast approval notifications to a chat",
			Example: "  quorum channels notify add telegram -- -1001234567890\n  quorum channels notify add slack C0123ABCD",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runChannelsNotify(args[0], args[1], true)
			},
		},
		&cobra.Command{
			Use:   "remove <channel> <chat_id>",
			Short: "Stop broadcasting approval notifications to a chat",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runChannelsNotify(args[0], args[1], false)
			},
		},
	)
	return cmd
}

func runChannelsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("Channels:")
	fmt.Printf("  %-10s %-10s %-8s %s\n", "NAME", "STATUS", "TARGETS", "NOTE")
	fmt.Printf("  %-10s %-10s %-8s %s\n", strings.Repeat("-", 10), strings.Repeat("-", 10), strings.Repeat("-", 8), strings.Repeat("-", 20))

	for _, state := range channelStates(cfg) {
		fmt.Printf("  %-10s %-10s %-8d %s\n", state.Name, state.Status(), len(state.NotifyTo), state.Note())
	}

	return nil
}

func runChannelsStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("=== Channel Status ===")
	fmt.Println()

	for _, state := range channelStates(cfg) {
		fmt.Printf("%s:\n", titleCase(state.Name))
		fmt.Printf("  Enabled:    %v\n", state.Enabled)
		fmt.Printf("  Readiness:  %s\n", state.Note())
		if len(state.AllowFrom) > 0 {
			fmt.Printf("  Allow From: %s\n", strings.Join(state.AllowFrom, ", "))
		} else {
			fmt.Println("  Allow From: all (no restrictions)")
		}
		if len(state.NotifyTo) > 0 {
			fmt.Printf("  Notify:     %s\n", formatTargets(state.NotifyTo))
		} else {
			fmt.Println("  Notify:     none (direct messages only)")
		}
		if state.Enabled && state.Ready {
			fmt.Println("  Buttons:    approve/reject on requests and escalations")
		}
		fmt.Println()
	}

	return nil
}

func runChannelsSetEnabled(channelName string, enabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	name := strings.ToLower(strings.TrimSpace(channelName))
	switch name {
	case "telegram":
		cfg.Channels.Telegram.Enabled = enabled
	case "slack":
		cfg.Channels.Slack.Enabled = enabled
	default:
		return fmt.Errorf("unknown channel: %s", channelName)
	}

	if err := config.SaveTo(configPath(), cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Channel %s %s.\n", name, state)
	return nil
}

func runChannelsNotify(channelName, chatID string, add bool) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return fmt.Errorf("chat id is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var targets *[]string
	name := strings.ToLower(strings.TrimSpace(channelName))
	switch name {
	case "telegram":
		targets = &cfg.Channels.Telegram.NotifyChatIDs
	case "slack":
		targets = &cfg.Channels.Slack.NotifyChannels
	default:
		return fmt.Errorf("unknown channel: %s", channelName)
	}

	changed := false
	if add {
		if !slices.Contains(*targets, chatID) {
			*targets = append(*targets, chatID)
			changed = true
		}
	} else if i := slices.Index(*targets, chatID); i >= 0 {
		*targets = slices.Delete(*targets, i, i+1)
		changed = true
	}
	if !changed {
		fmt.Printf("No change: %s notify targets are %s.\n", name, formatTargets(*targets))
		return nil
	}

	if err := config.SaveTo(configPath(), cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("%s notify targets: %s\n", titleCase(name), formatTargets(*targets))
	return nil
}

func formatTargets(targets []string) string {
	if len(targets) == 0 {
		return "none"
	}
	return strings.Join(targets, ", ")
}

type channelState struct {
	Name      string
	Enabled   bool
	Ready     bool
	Reason    string
	AllowFrom []string
	NotifyTo  []string
}

func (s channelState) Status() string {
	if s.Enabled {
		return "enabled"
	}
	return "disabled"
}

func (s channelState) Note() string {
	if !s.Enabled {
		return ""
	}
	if s.Ready {
		return "ready"
	}
	return s.Reason
}

func channelStates(cfg *config.Config) []channelState {
	return []channelState{
		{
			Name:      "telegram",
			Enabled:   cfg.Channels.Telegram.Enabled,
			Ready:     strings.TrimSpace(cfg.Channels.Telegram.Token) != "",
			Reason:    "token not set",
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			NotifyTo:  cfg.Channels.Telegram.NotifyChatIDs,
		},
		{
			Name:      "slack",
			Enabled:   cfg.Channels.Slack.Enabled,
			Ready:     strings.TrimSpace(cfg.Channels.Slack.BotToken) != "" && strings.TrimSpace(cfg.Channels.Slack.AppToken) != "",
			Reason:    "bot_token/app_token not set",
			AllowFrom: cfg.Channels.Slack.AllowFrom,
			NotifyTo:  cfg.Channels.Slack.NotifyChannels,
		},
	}
}

func titleCase(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
