package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ticker interface {
	C() <-chan time.Time
	Stop()
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }

// startSweeper 按固定间隔或 cron 表达式清理僵尸任务。清理失败只记录日志。
func (s *Scheduler) startSweeper(ctx context.Context) error {
	sweep := func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("sweep failed")
		}
	}

	if s.cron != nil {
		s.logger.WithField("cron", s.cronSpec).Info("sweeper started")
		for {
			next, err := s.cron.next(s.now())
			if err != nil {
				return fmt.Errorf("compute next cron time: %w", err)
			}
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				sweep()
			}
		}
	}

	s.logger.WithField("interval", s.interval.String()).Info("sweeper started")
	tick := s.newTicker(s.interval)
	defer tick.Stop()
	ch := tick.C()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			sweep()
		drain:
			for {
				select {
				case <-ch:
					continue
				default:
					break drain
				}
			}
		}
	}
}

type cronConfig struct {
	spec     string
	schedule *cronSchedule
}

// parseSchedule 接受 Go duration（"1m"）或 5 段 cron 表达式，非法或为空时每分钟一次。
func parseSchedule(value string) (time.Duration, cronConfig) {
	trimmed := strings.TrimSpace(value)
	if trimmed != "" {
		if d, err := time.ParseDuration(trimmed); err == nil && d > 0 {
			return d, cronConfig{}
		}
		schedule, err := parseCronSpec(trimmed)
		if err == nil {
			return 0, cronConfig{spec: trimmed, schedule: schedule}
		}
	}
	return time.Minute, cronConfig{}
}

type cronSchedule struct {
	minutes map[int]struct{}
	hours   map[int]struct{}
	doms    map[int]struct{}
	months  map[int]struct{}
	dows    map[int]struct{}
}

func parseCronSpec(spec string) (*cronSchedule, error) {
	parts := strings.Fields(spec)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron spec must have 5 fields")
	}

	fields := []struct {
		name     string
		min, max int
	}{
		{"minutes", 0, 59},
		{"hours", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 6},
	}
	sets := make([]map[int]struct{}, len(fields))
	for i, f := range fields {
		set, err := parseCronField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		sets[i] = set
	}
	return &cronSchedule{minutes: sets[0], hours: sets[1], doms: sets[2], months: sets[3], dows: sets[4]}, nil
}

// parseCronField 支持 *、*/n、a、a-b、a-b/n 及逗号列表。
func parseCronField(expr string, min, max int) (map[int]struct{}, error) {
	result := make(map[int]struct{})
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty field")
	}
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rng, step := part, 1
		if i := strings.Index(part, "/"); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %s", part)
			}
			rng, step = part[:i], n
		}

		lo, hi := min, max
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var errA, errB error
			lo, errA = strconv.Atoi(a)
			hi, errB = strconv.Atoi(b)
			if errA != nil || errB != nil || lo < min || hi > max || lo > hi {
				return nil, fmt.Errorf("invalid range %s", part)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil || v < min || v > max {
				return nil, fmt.Errorf("invalid value %s", part)
			}
			lo, hi = v, v
		}
		for i := lo; i <= hi; i += step {
			result[i] = struct{}{}
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no values parsed")
	}
	return result, nil
}

func (c *cronSchedule) matches(t time.Time) bool {
	for _, check := range []struct {
		set map[int]struct{}
		v   int
	}{
		{c.minutes, t.Minute()},
		{c.hours, t.Hour()},
		{c.months, int(t.Month())},
		{c.doms, t.Day()},
		{c.dows, int(t.Weekday())},
	} {
		if _, ok := check.set[check.v]; !ok {
			return false
		}
	}
	return true
}

func (c *cronSchedule) next(after time.Time) (time.Time, error) {
	start := after.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 525600; i++ { // up to one year of minutes
		candidate := start.Add(time.Duration(i) * time.Minute)
		if c.matches(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("no matching time found")
}
