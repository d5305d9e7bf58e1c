package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and
// returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// scheduleFor returns the firing rule for a task: its cron expression when
// set, otherwise a constant delay at the task's interval.
func scheduleFor(task *TaskDefinition) (cron.Schedule, error) {
	if task.Schedule != "" {
		return ParseCron(task.Schedule)
	}
	if task.Interval < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s, got %s", task.Interval)
	}
	return cron.Every(task.Interval), nil
}
