package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	donneur "github.com/donneur/donneur-go"
	"github.com/spf13/cobra"
)

var (
	feedLimit int
	feedImage string
)

func init() {
	feedListCmd.Flags().IntVar(&feedLimit, "limit", 20, "Number of posts to load (0 for all)")
	feedPostCmd.Flags().StringVar(&feedImage, "image", "", "Image URL to attach")
	feedCmd.AddCommand(feedListCmd, feedPostCmd, feedLikeCmd, feedDeleteCmd, feedWatchCmd)
	rootCmd.AddCommand(feedCmd)
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Read and write the community feed",
}

// withFeed opens the feed for the length of fn.
func withFeed(fn func(ctx context.Context, f *donneur.Feed) error, opts ...donneur.Option) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	f := donneur.NewFeed(e.session, e.store, append(screenOptions(e), opts...)...)
	if err := f.Open(ctx); err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return fn(ctx, f)
}

var feedListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the newest posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFeed(func(ctx context.Context, f *donneur.Feed) error {
			printPosts(f.Posts())
			return nil
		}, donneur.WithPageSize(feedLimit))
	},
}

var feedPostCmd = &cobra.Command{
	Use:   "post <text>",
	Short: "Publish a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFeed(func(ctx context.Context, f *donneur.Feed) error {
			p, err := f.Publish(ctx, args[0], feedImage)
			if err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}
			fmt.Printf("Post ID: %s\n", p.ID)
			return nil
		})
	},
}

var feedLikeCmd = &cobra.Command{
	Use:   "like <post-id>",
	Short: "Like or unlike a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFeed(func(ctx context.Context, f *donneur.Feed) error {
			liked, err := f.ToggleLike(ctx, args[0])
			if err != nil {
				return fmt.Errorf("like failed: %w", err)
			}
			if liked {
				fmt.Println("Liked.")
			} else {
				fmt.Println("Unliked.")
			}
			return nil
		})
	},
}

var feedDeleteCmd = &cobra.Command{
	Use:   "delete <post-id>",
	Short: "Delete one of your posts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFeed(func(ctx context.Context, f *donneur.Feed) error {
			if err := f.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			fmt.Println("Deleted.")
			return nil
		})
	},
}

var feedWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the feed as it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		f := donneur.NewFeed(e.session, e.store, append(screenOptions(e), donneur.WithAutoInsert(true))...)
		f.OnChange(func(posts []donneur.Post) {
			fmt.Print("\033[H\033[2J")
			printPosts(posts)
		})
		if err := f.Open(ctx); err != nil {
			return fmt.Errorf("open feed: %w", err)
		}
		defer f.Close()

		<-ctx.Done()
		return nil
	},
}

func printPosts(posts []donneur.Post) {
	if len(posts) == 0 {
		fmt.Println("No posts.")
		return
	}
	for _, p := range posts {
		fmt.Printf("%s%s  %s  [%d likes, %d comments]\n", pendingMark(p.ID), shortTime(p.CreatedAt), p.ID, p.Likers.Len(), p.CommentCount)
		fmt.Printf("   %s: %s\n", p.AuthorID, p.Text)
	}
}
