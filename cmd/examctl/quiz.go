package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"examprep-server/models"
	"examprep-server/session"
	"examprep-server/utils"
)

// translator looks up interface labels; unknown keys come back unchanged.
type translator interface {
	T(key string) string
}

func label(tr translator, key, fallback string) string {
	if tr == nil {
		return fallback
	}
	if v := tr.T(key); v != "" && v != key {
		return v
	}
	return fallback
}

// runQuiz drives one attempt from line-based input until it completes or the user
// quits. Quitting keeps the snapshot so the attempt resumes next time.
func runQuiz(ctx context.Context, m *session.Machine, tr translator, in io.Reader, out io.Writer) error {
	if err := m.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to load questions: %w", err)
	}
	switch m.Phase() {
	case models.PhaseInProgress:
		fmt.Fprintln(out, label(tr, "test.resumed", "Resuming your unfinished attempt."))
	case models.PhaseCompleted:
	default:
		if err := m.Start(ctx); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	shown := -1
	for m.Phase() == models.PhaseInProgress {
		v := m.View()
		if v.Position != shown {
			printQuestion(out, tr, v)
			shown = v.Position
		}
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, label(tr, "test.saved", "Progress saved."))
			return nil
		case <-poll.C:
			continue
		case line, ok := <-lines:
			if !ok || line == "q" {
				fmt.Fprintln(out, label(tr, "test.saved", "Progress saved."))
				return nil
			}
			if err := handleInput(ctx, m, tr, out, line); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}

	if m.Phase() == models.PhaseSubmitting {
		for m.Phase() == models.PhaseSubmitting {
			time.Sleep(50 * time.Millisecond)
		}
	}
	printReview(out, tr, m)
	for m.SubmitErr() != nil {
		fmt.Fprintf(out, "%s: %v\n", label(tr, "results.notSaved", "Your result was not saved"), m.SubmitErr())
		fmt.Fprintln(out, label(tr, "results.retryPrompt", "Type r to retry, anything else to leave."))
		line, ok := <-lines
		if !ok || line != "r" {
			return nil
		}
		if err := m.Resubmit(ctx); err == nil {
			fmt.Fprintln(out, label(tr, "results.saved", "Result saved."))
		}
	}
	return nil
}

func handleInput(ctx context.Context, m *session.Machine, tr translator, out io.Writer, line string) error {
	switch line {
	case "":
		return nil
	case "n":
		return m.Next(ctx)
	case "p":
		return m.Prev(ctx)
	case "f":
		// a failed submission is reported with the results
		if err := m.Finish(ctx); err != nil && m.SubmitErr() == nil {
			return err
		}
		return nil
	}
	option, ok := parseOption(line)
	if !ok {
		return fmt.Errorf("enter an option letter or number, n, p, f or q")
	}
	fb, err := m.Select(ctx, option)
	if err != nil {
		return err
	}
	if fb != nil {
		if fb.IsCorrect {
			fmt.Fprintln(out, label(tr, "test.correct", "Correct!"))
		} else {
			fmt.Fprintf(out, "%s %s\n", label(tr, "test.incorrect", "Incorrect. Right answer:"), utils.OptionLetter(fb.Correct))
		}
		if fb.Explanation != "" {
			fmt.Fprintln(out, fb.Explanation)
		}
	}
	return nil
}

// parseOption accepts a letter (a, B) or a 1-based number.
func parseOption(s string) (int, bool) {
	if len(s) == 1 {
		c := strings.ToUpper(s)[0]
		if c >= 'A' && c <= 'Z' {
			return int(c - 'A'), true
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}

func printQuestion(out io.Writer, tr translator, v session.View) {
	if v.Question == nil {
		return
	}
	q := v.Question
	fmt.Fprintf(out, "\n[%d/%d] %s %s\n", v.Position+1, v.Total, v.Clock, sectionSuffix(q.SectionName))
	fmt.Fprintln(out, q.Text)
	for i, o := range q.Options {
		marker := " "
		if q.Selected != nil && *q.Selected == i {
			marker = "*"
		}
		fmt.Fprintf(out, " %s %s) %s\n", marker, utils.OptionLetter(i), o)
	}
	fmt.Fprintf(out, "%s > ", label(tr, "test.prompt", "answer, n next, p prev, f finish, q quit"))
}

func sectionSuffix(name string) string {
	if name == "" {
		return ""
	}
	return "(" + name + ")"
}

func printReview(out io.Writer, tr translator, m *session.Machine) {
	review, err := m.Review()
	if err != nil {
		return
	}
	r := review.Result
	fmt.Fprintf(out, "\n%s: %d/%d (%d%%), %s %s\n", label(tr, "results.score", "Score"), r.Correct, r.Total, r.Percent,
		label(tr, "results.time", "time"), utils.FormatClock(r.TimeSpent))
	if m.Config().PassFail {
		if r.Passed {
			fmt.Fprintln(out, label(tr, "results.passed", "PASSED"))
		} else {
			fmt.Fprintln(out, label(tr, "results.failed", "FAILED"))
		}
	}
	for _, it := range review.Items {
		mark := "x"
		if it.IsCorrect {
			mark = "ok"
		}
		selected := "-"
		if it.Selected >= 0 {
			selected = utils.OptionLetter(it.Selected)
		}
		fmt.Fprintf(out, "%2d. [%s] %s  %s/%s\n", it.Index+1, mark, it.Text, selected, utils.OptionLetter(it.Correct))
	}
}
