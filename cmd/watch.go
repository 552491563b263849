package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"match-radar/internal/api"
	"match-radar/internal/client"
	"match-radar/internal/model"
)

func newWatchCommand() *cobra.Command {
	var (
		server   string
		interval time.Duration
		textFile string
		req      api.TextRequest
		half     string
	)
	cmd := &cobra.Command{
		Use:   "watch [job-id]",
		Short: "Follow a job's progress, optionally submitting a text analysis first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && textFile == "" {
				return errors.New("either a job id or --text is required")
			}
			c := client.New(server, &http.Client{Timeout: 30 * time.Second})
			session := client.NewSession(c, client.WithInterval(interval))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if len(args) == 1 {
				session.Attach(args[0])
			} else {
				data, err := os.ReadFile(textFile)
				if err != nil {
					return fmt.Errorf("read transcript: %w", err)
				}
				req.Transcript = string(data)
				req.MatchHalf = model.MatchHalf(half)
				if _, err := session.Start(ctx, func(ctx context.Context) (string, error) {
					resp, err := c.StartText(ctx, req)
					return resp.JobID, err
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "job %s started\n", session.JobID())
			}

			out := cmd.OutOrStdout()
			snap, err := watchJob(ctx, session, out, isTerminal(out))
			if err != nil {
				return err
			}
			if snap.Job.Status.IsTerminal() && !snap.Job.Status.IsSuccess() {
				return fmt.Errorf("job %s %s: %s", snap.Job.JobID, snap.Job.Status, snap.Job.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "API base URL")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultPollInterval, "Poll interval")
	cmd.Flags().StringVar(&textFile, "text", "", "Submit this transcript file as a text analysis, then watch it")
	cmd.Flags().StringVar(&req.MatchID, "match", "", "Match ID for --text")
	cmd.Flags().StringVar(&req.HomeTeamName, "home", "", "Home team name for --text")
	cmd.Flags().StringVar(&req.AwayTeamName, "away", "", "Away team name for --text")
	cmd.Flags().StringVar(&half, "half", string(model.HalfFirst), "Match half for --text")
	return cmd
}

// watchJob 轮询直到任务结束。ctx 取消（Ctrl-C）时本地先停止，再尽力通知服务端取消。
func watchJob(ctx context.Context, session *client.Session, out io.Writer, live bool) (client.Snapshot, error) {
	snap, err := session.Watch(ctx, progressPrinter(out, live))
	if live {
		fmt.Fprintln(out)
	}
	if ctx.Err() != nil {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		session.Cancel(cancelCtx)
		fmt.Fprintf(out, "job %s cancelled locally\n", session.JobID())
		return session.Last(), nil
	}
	return snap, err
}

// progressPrinter 终端上原地刷新一行，否则只在步骤或进度变化时输出新行。
func progressPrinter(out io.Writer, live bool) func(client.Snapshot) {
	var lastLine string
	return func(s client.Snapshot) {
		line := progressLine(s)
		if live {
			fmt.Fprintf(out, "\r\033[K%s", line)
			return
		}
		if line == lastLine {
			return
		}
		lastLine = line
		fmt.Fprintln(out, line)
	}
}

func progressLine(s client.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%3d%%] %s", s.Job.Progress, s.Job.Status)
	if s.Job.CurrentStep != "" && string(s.Job.Status) != s.Job.CurrentStep && !s.Job.Status.IsTerminal() {
		fmt.Fprintf(&b, " (%s)", s.Job.CurrentStep)
	}
	if s.HasETA && !s.Terminal() {
		fmt.Fprintf(&b, " eta %s", s.ETA.Round(time.Second))
	}
	if s.Job.EventsDetected != nil {
		fmt.Fprintf(&b, " events=%d", *s.Job.EventsDetected)
	}
	if s.Job.Error != "" {
		fmt.Fprintf(&b, " error=%s", s.Job.Error)
	}
	return b.String()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
