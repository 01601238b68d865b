package config

import (
	"errors"

	"github.com/robfig/cron/v3"
)

// validateSchedule accepts standard 5-field cron specs and descriptors
// such as "@hourly" or "@every 30m".
func validateSchedule(spec string) error {
	if trim(spec) == "" {
		return errors.New("empty schedule")
	}
	_, err := cron.ParseStandard(spec)
	return err
}
