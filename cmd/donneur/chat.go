package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	donneur "github.com/donneur/donneur-go"
	"github.com/spf13/cobra"
)

var chatChannel bool

func init() {
	chatCmd.PersistentFlags().BoolVar(&chatChannel, "channel", false, "Treat the id as a broadcast channel")
	chatCmd.AddCommand(chatSendCmd, chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Direct chats and channels",
}

func newRoom(e *env, id string) *donneur.ChatRoom {
	if chatChannel {
		return donneur.NewChannel(e.session, e.store, id, screenOptions(e)...)
	}
	return donneur.NewDirectChat(e.session, e.store, id, screenOptions(e)...)
}

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		room := newRoom(e, args[0])
		if err := room.Open(ctx); err != nil {
			return fmt.Errorf("open chat: %w", err)
		}
		defer room.Close()

		msg, err := room.Send(ctx, args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Message ID: %s\n", msg.ID)
		return nil
	},
}

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation and send lines typed on stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		room := newRoom(e, args[0])
		room.OnChange(func(msgs []donneur.Message) {
			fmt.Print("\033[H\033[2J")
			printMessages(msgs)
		})
		if err := room.Open(ctx); err != nil {
			return fmt.Errorf("open chat: %w", err)
		}
		defer room.Close()

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				sendLine(ctx, e, room, line)
			}
		}
	},
}

// sendLine shows the message at once. Write failures surface later through
// the room's error handler; only rejected messages are reported here.
func sendLine(ctx context.Context, e *env, room *donneur.ChatRoom, line string) {
	msg, done := room.SendAsync(ctx, line)
	if msg.ID != "" {
		return
	}
	if err := <-done; err != nil {
		fmt.Fprintf(e.errOut, "send failed: %v\n", err)
	}
}

func printMessages(msgs []donneur.Message) {
	// newest first in the cache; print oldest first
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		read := " "
		if m.Read {
			read = "✓"
		}
		fmt.Printf("%s%s %s %s: %s\n", pendingMark(m.ID), read, shortTime(m.CreatedAt), valueOrDefault(m.AuthorName, m.AuthorID), m.Body)
	}
}
