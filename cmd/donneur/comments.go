package main

import (
	"context"
	"fmt"

	donneur "github.com/donneur/donneur-go"
	"github.com/spf13/cobra"
)

var commentsAnswersOf string

func init() {
	commentsCmd.PersistentFlags().StringVar(&commentsAnswersOf, "comment", "", "Work on the answers of this comment instead")
	commentsCmd.AddCommand(commentsListCmd, commentsAddCmd, commentsDeleteCmd)
	rootCmd.AddCommand(commentsCmd)
}

var commentsCmd = &cobra.Command{
	Use:   "comments",
	Short: "Comments on a post and answers to a comment",
}

// thread abstracts over comment and answer threads for printing.
type thread interface {
	Count() int64
	Delete(ctx context.Context, id string) error
	Close()
	add(ctx context.Context, text string) (string, error)
	print()
}

type commentThread struct{ *donneur.Thread[donneur.Comment] }

func (t commentThread) add(ctx context.Context, text string) (string, error) {
	c, err := t.Add(ctx, text)
	return c.ID, err
}

func (t commentThread) print() {
	for _, c := range t.Items() {
		fmt.Printf("%s%s  %s  %s: %s  [%d answers]\n", pendingMark(c.ID), shortTime(c.CreatedAt), c.ID, c.AuthorID, c.Text, c.AnswerCount)
	}
}

type answerThread struct{ *donneur.Thread[donneur.Answer] }

func (t answerThread) add(ctx context.Context, text string) (string, error) {
	a, err := t.Add(ctx, text)
	return a.ID, err
}

func (t answerThread) print() {
	for _, a := range t.Items() {
		fmt.Printf("%s%s  %s  %s: %s\n", pendingMark(a.ID), shortTime(a.CreatedAt), a.ID, a.AuthorID, a.Text)
	}
}

func withThread(postID string, fn func(ctx context.Context, t thread) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var t thread
	if commentsAnswersOf != "" {
		th := donneur.NewAnswerThread(e.session, e.store, postID, commentsAnswersOf, screenOptions(e)...)
		if err := th.Open(ctx); err != nil {
			return fmt.Errorf("open answers: %w", err)
		}
		t = answerThread{th}
	} else {
		th := donneur.NewCommentThread(e.session, e.store, postID, screenOptions(e)...)
		if err := th.Open(ctx); err != nil {
			return fmt.Errorf("open comments: %w", err)
		}
		t = commentThread{th}
	}
	defer t.Close()
	return fn(ctx, t)
}

var commentsListCmd = &cobra.Command{
	Use:   "list <post-id>",
	Short: "List comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThread(args[0], func(ctx context.Context, t thread) error {
			fmt.Printf("%d total\n", t.Count())
			t.print()
			return nil
		})
	},
}

var commentsAddCmd = &cobra.Command{
	Use:   "add <post-id> <text>",
	Short: "Add a comment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThread(args[0], func(ctx context.Context, t thread) error {
			id, err := t.add(ctx, args[1])
			if err != nil {
				return fmt.Errorf("add failed: %w", err)
			}
			fmt.Printf("ID: %s (%d total)\n", id, t.Count())
			return nil
		})
	},
}

var commentsDeleteCmd = &cobra.Command{
	Use:   "delete <post-id> <id>",
	Short: "Delete one of your comments",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThread(args[0], func(ctx context.Context, t thread) error {
			if err := t.Delete(ctx, args[1]); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			fmt.Printf("Deleted (%d left)\n", t.Count())
			return nil
		})
	},
}
