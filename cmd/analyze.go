package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"match-radar/internal/events"
	"match-radar/internal/model"
	"match-radar/internal/pipeline"
)

// analyzeRequest 单次同步文本分析的参数。Source 为文件路径、http(s) 地址或 "-"（标准输入）。
type analyzeRequest struct {
	Source   string
	MatchID  string
	HomeTeam string
	AwayTeam string
	Half     model.MatchHalf
	Start    int
	End      int
}

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var (
		req        analyzeRequest
		half       string
		asJSON     bool
		start, end int
	)
	cmd := &cobra.Command{
		Use:   "analyze <file|url|->",
		Short: "Extract events from a commentary transcript and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Source = args[0]
			req.Half = model.MatchHalf(half)
			req.Start, req.End = -1, -1
			if cmd.Flags().Changed("start") {
				req.Start = start
			}
			if cmd.Flags().Changed("end") {
				req.End = end
			}
			res, err := runAnalyze(cmd.Context(), ctx.config, req, cmd.InOrStdin(), ctx.builder())
			if err != nil && !res.Success && res.Error == "" {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			} else {
				printAnalysis(out, req, res)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.MatchID, "match", "", "Match ID (default: generated)")
	cmd.Flags().StringVar(&req.HomeTeam, "home", "", "Home team name")
	cmd.Flags().StringVar(&req.AwayTeam, "away", "", "Away team name")
	cmd.Flags().StringVar(&half, "half", string(model.HalfFirst), "Match half: first or second")
	cmd.Flags().IntVar(&start, "start", 0, "Game start minute of the analysed window")
	cmd.Flags().IntVar(&end, "end", 0, "Game end minute of the analysed window")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw result as JSON")
	_ = cmd.MarkFlagRequired("home")
	_ = cmd.MarkFlagRequired("away")
	return cmd
}

// runAnalyze 创建任务记录并同步执行文本流水线，失败时返回的结果同样带有 error 字段。
// 直接写库、不经过调度器，因此与 serve 一样持有数据库锁，服务运行时请改用 watch --text。
func runAnalyze(ctx context.Context, cfg AppConfig, req analyzeRequest, stdin io.Reader, build appBuilder) (pipeline.TextResult, error) {
	unlock, err := lockDatabase(cfg.Database.Path)
	if err != nil {
		return pipeline.TextResult{}, err
	}
	defer unlock()

	deps, cleanup, err := build(cfg)
	if err != nil {
		return pipeline.TextResult{}, err
	}
	defer cleanup()

	transcript, err := readTranscript(ctx, req.Source, stdin, deps.narration)
	if err != nil {
		return pipeline.TextResult{}, err
	}

	if req.MatchID == "" {
		req.MatchID = uuid.NewString()
	}
	window := events.DefaultWindow(req.Half)
	if req.Start >= 0 {
		window.StartMinute = req.Start
	}
	if req.End >= 0 {
		window.EndMinute = req.End
	}
	in := pipeline.TextInput{
		Input: pipeline.Input{
			MatchID:  req.MatchID,
			HomeTeam: req.HomeTeam,
			AwayTeam: req.AwayTeam,
			Half:     req.Half,
			Window:   &window,
		},
		Transcript: transcript,
	}

	job := model.NewAnalysisJob(uuid.NewString(), req.MatchID, model.JobKindText, time.Now())
	job.AnalysisType = model.AnalysisText
	if raw, err := json.Marshal(in); err == nil {
		job.Input = raw
	}
	if err := deps.jobs.CreateJob(ctx, &job); err != nil {
		return pipeline.TextResult{}, fmt.Errorf("create job: %w", err)
	}
	tr := pipeline.NewTracker(job, deps.jobs, deps.logger)
	return deps.text.Run(ctx, tr, in)
}

func readTranscript(ctx context.Context, source string, stdin io.Reader, narration narrationSource) (string, error) {
	switch {
	case source == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	case strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://"):
		if narration == nil {
			return "", errors.New("narration fetcher not configured")
		}
		text, err := narration.FetchNarration(ctx, source)
		if err != nil {
			return "", fmt.Errorf("fetch narration: %w", err)
		}
		return text, nil
	default:
		data, err := os.ReadFile(source)
		if err != nil {
			return "", fmt.Errorf("read transcript: %w", err)
		}
		return string(data), nil
	}
}

func printAnalysis(w io.Writer, req analyzeRequest, res pipeline.TextResult) {
	if !res.Success {
		fmt.Fprintf(w, "analysis failed: %s\n", res.Error)
		return
	}
	fmt.Fprintf(w, "%s %d - %d %s (half %d - %d)\n",
		req.HomeTeam, res.HomeScore, res.AwayScore, req.AwayTeam, res.HalfHomeScore, res.HalfAwayScore)

	rows := make([][]string, 0, len(res.Events))
	for _, ev := range res.Events {
		meta := ev.Meta()
		rows = append(rows, []string{
			strconv.Itoa(ev.Minute) + "'",
			string(ev.EventType),
			meta.TeamName,
			ev.Description,
		})
	}
	if len(rows) > 0 {
		fmt.Fprintln(w, renderTable([]string{"Min", "Type", "Team", "Description"}, rows, []columnAlignment{alignRight}))
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}
