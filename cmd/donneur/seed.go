package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	donneur "github.com/donneur/donneur-go"
	"github.com/spf13/cobra"
)

var (
	seedUsers    int
	seedPosts    int
	seedComments int
)

func init() {
	seedCmd.Flags().IntVar(&seedUsers, "users", 5, "Number of fake authors")
	seedCmd.Flags().IntVar(&seedPosts, "posts", 10, "Number of posts")
	seedCmd.Flags().IntVar(&seedComments, "comments", 3, "Maximum comments per post")
	rootCmd.AddCommand(seedCmd)
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Fill the document store with demo posts and comments",
	Long:  "Publish fake posts and comments from fake authors, going through the same screens the apps use.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedUsers < 1 {
			return fmt.Errorf("--users must be at least 1")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		gofakeit.Seed(time.Now().UnixNano())
		n, c, err := seedFeed(ctx, e.store, seedUsers, seedPosts, seedComments)
		if err != nil {
			return err
		}
		fmt.Printf("Seeded %d posts and %d comments\n", n, c)
		return nil
	},
}

func fakeSessions(n int) ([]*donneur.Session, error) {
	out := make([]*donneur.Session, 0, n)
	for i := 0; i < n; i++ {
		s, err := donneur.NewSession(donneur.User{
			ID:          gofakeit.UUID(),
			DisplayName: gofakeit.Name(),
			Role:        donneur.RoleSender,
		}, "")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// seedFeed publishes posts round-robin across fake authors and comments on
// each from random ones. It returns how many posts and comments it wrote.
func seedFeed(ctx context.Context, store donneur.Store, users, posts, maxComments int) (int, int, error) {
	sessions, err := fakeSessions(users)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()

	feeds := make([]*donneur.Feed, len(sessions))
	for i, s := range sessions {
		feeds[i] = donneur.NewFeed(s, store)
		if err := feeds[i].Open(ctx); err != nil {
			return 0, 0, fmt.Errorf("open feed: %w", err)
		}
	}

	var nPosts, nComments int
	for i := 0; i < posts; i++ {
		image := ""
		if gofakeit.Bool() {
			image = fmt.Sprintf("https://picsum.photos/seed/%s/800/800", gofakeit.UUID())
		}
		post, err := feeds[i%len(feeds)].Publish(ctx, gofakeit.Sentence(12), image)
		if err != nil {
			return nPosts, nComments, fmt.Errorf("publish: %w", err)
		}
		nPosts++

		for j := gofakeit.Number(0, maxComments); j > 0; j-- {
			s := sessions[gofakeit.Number(0, len(sessions)-1)]
			th := donneur.NewCommentThread(s, store, post.ID)
			if err := th.Open(ctx); err != nil {
				return nPosts, nComments, fmt.Errorf("open comments: %w", err)
			}
			_, err := th.Add(ctx, gofakeit.Sentence(8))
			th.Close()
			if err != nil {
				return nPosts, nComments, fmt.Errorf("comment: %w", err)
			}
			nComments++
		}
	}
	return nPosts, nComments, nil
}
