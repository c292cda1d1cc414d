package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/luchat/pkg/chat"
	"github.com/go-go-golems/luchat/pkg/config"
)

var (
	configPath string
	logLevel   string
	serverHost string
	userID     string
	handle     string
)

var rootCmd = &cobra.Command{
	Use:   "luchat",
	Short: "luchat runs the LuChat session engine with a line-oriented front end",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(level)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Connect to the chat server and run an interactive session",
	Long: `Connects with the given identity, announces presence, and reads
commands from stdin:

  <text>                send to the public conversation
  /msg <peer> <text>    send a direct message
  /upload [peer] <path> upload a file and share the link
  /show [peer]          print the rendered conversation
  /close <peer>         close a direct conversation
  /who                  print the roster
  /quit                 exit`,
	RunE: runChat,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace|debug|info|warn|error")
	chatCmd.Flags().StringVar(&serverHost, "server", "", "chat server host (overrides config)")
	chatCmd.Flags().StringVar(&userID, "user-id", "", "authenticated user id")
	chatCmd.Flags().StringVar(&handle, "handle", "", "display handle")
	_ = chatCmd.MarkFlagRequired("user-id")
	_ = chatCmd.MarkFlagRequired("handle")
	rootCmd.AddCommand(chatCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}

	eng, err := chat.New(cfg, chat.Identity{UserID: userID, Handle: handle})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := eng.Events(ctx)
	if err != nil {
		return err
	}
	go printEvents(events)
	go readInput(ctx, eng, stop)

	return eng.Run(ctx)
}

func printEvents(events <-chan chat.Event) {
	for ev := range events {
		switch ev.Type {
		case chat.EventMessage:
			if ev.Message == nil {
				continue
			}
			line := fmt.Sprintf("[%s] %s: %s", ev.Conversation, ev.Message.SenderHandle, ev.Message.Body)
			if ev.Message.AttachmentLink != "" {
				line += " <" + ev.Message.AttachmentLink + ">"
			}
			fmt.Println(line)
		case chat.EventPresence:
			fmt.Printf("* %s (%s) is online\n", ev.Handle, ev.UserID)
		case chat.EventConnection:
			fmt.Printf("* connection %s\n", ev.State)
		case chat.EventUpload:
			switch {
			case ev.Link != "":
				fmt.Printf("* upload done: %s\n", ev.Link)
			case ev.Error != "":
				fmt.Printf("* upload %s: %s\n", ev.State, ev.Error)
			case ev.State != "":
				fmt.Printf("* upload %s\n", ev.State)
			default:
				fmt.Printf("* upload %d/%d bytes\n", ev.BytesSent, ev.BytesTotal)
			}
		}
	}
}

// parseDirect splits "/msg <peer> <text>" tolerating repeated whitespace
// around the peer; whitespace inside the text is kept as typed.
func parseDirect(line string) (peer, body string, ok bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "/msg"))
	peer, body, _ = strings.Cut(rest, " ")
	body = strings.TrimSpace(body)
	if peer == "" || body == "" {
		return "", "", false
	}
	return peer, body, true
}

func readInput(ctx context.Context, eng *chat.Engine, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := eng.SendMessage(chat.Public(), line, ""); err != nil {
				log.Error().Err(err).Msg("send failed")
			}
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			stop()
			return
		case "/who":
			for _, entry := range eng.Roster() {
				fmt.Printf("  %s (%s)\n", entry.Handle, entry.UserID)
			}
		case "/msg":
			peer, body, ok := parseDirect(line)
			if !ok {
				fmt.Println("usage: /msg <peer> <text>")
				continue
			}
			if err := eng.SendMessage(chat.Direct(peer), body, ""); err != nil {
				log.Error().Err(err).Msg("send failed")
			}
		case "/close":
			if len(fields) != 2 {
				fmt.Println("usage: /close <peer>")
				continue
			}
			if err := eng.CloseConversation(chat.Direct(fields[1])); err != nil {
				log.Error().Err(err).Msg("close failed")
			}
		case "/show":
			conv := chat.Public()
			if len(fields) == 2 {
				conv = chat.Direct(fields[1])
			}
			fmt.Println(eng.Render(conv))
		case "/upload":
			conv := chat.Public()
			path := ""
			switch len(fields) {
			case 2:
				path = fields[1]
			case 3:
				conv = chat.Direct(fields[1])
				path = fields[2]
			default:
				fmt.Println("usage: /upload [peer] <path>")
				continue
			}
			if _, err := eng.StartUpload(ctx, conv, path); err != nil {
				log.Error().Err(err).Msg("upload failed to start")
			}
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
