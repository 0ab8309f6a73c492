// Package cron parses five-field schedule expressions and resolves their
// occurrences in a timezone. The retention sweeper's "daily at 03:00" is
// local wall-clock time, not UTC.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse resolves expression in a named IANA timezone.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return p.ParseInLocation(expression, loc)
}

// ParseInLocation resolves expression in loc, which may be a fixed-offset
// zone without an IANA name.
func (p *Parser) ParseInLocation(expression string, loc *time.Location) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &schedule{sched: sched, loc: loc}, nil
}

type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
