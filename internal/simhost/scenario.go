package simhost

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Device names one simulated capability.
type Device string

const (
	DeviceCamera     Device = "camera"
	DeviceFullscreen Device = "fullscreen"
	DeviceFocus      Device = "focus"
	DeviceVisibility Device = "visibility"
)

// AnswerMode picks how the simulated student answers.
type AnswerMode string

const (
	AnswerFirst  AnswerMode = "first"
	AnswerRandom AnswerMode = "random"
	AnswerNone   AnswerMode = "none"
)

// Scenario scripts one simulated exam run. Times are offsets from the start
// of the exam.
//
//	answer: random
//	answer_every: 2s
//	submit_after: 1m
//	disturbances:
//	  - {at: 10s, device: focus, for: 3s}
//	  - {at: 30s, device: camera}
type Scenario struct {
	Answer       AnswerMode    `yaml:"answer"`
	AnswerEvery  time.Duration `yaml:"answer_every"`
	SubmitAfter  time.Duration `yaml:"submit_after"`
	Disturbances []Disturbance `yaml:"disturbances"`
}

// Disturbance switches a device off at At. It comes back after For, or
// never when For is zero.
type Disturbance struct {
	At     time.Duration `yaml:"at"`
	Device Device        `yaml:"device"`
	For    time.Duration `yaml:"for"`
}

// DefaultScenario answers every question with the first option and submits
// without any disturbance.
var DefaultScenario = Scenario{
	Answer:      AnswerFirst,
	AnswerEvery: time.Second,
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s, err := ParseScenario(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario. Unknown keys are rejected.
func ParseScenario(r io.Reader) (*Scenario, error) {
	s := DefaultScenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Scenario) Validate() error {
	switch s.Answer {
	case AnswerFirst, AnswerRandom, AnswerNone:
	default:
		return fmt.Errorf("unknown answer mode %q", s.Answer)
	}
	if s.AnswerEvery < 0 || s.SubmitAfter < 0 {
		return fmt.Errorf("answer_every and submit_after must not be negative")
	}
	for i, d := range s.Disturbances {
		switch d.Device {
		case DeviceCamera, DeviceFullscreen, DeviceFocus, DeviceVisibility:
		default:
			return fmt.Errorf("disturbances[%d]: unknown device %q", i, d.Device)
		}
		if d.At < 0 || d.For < 0 {
			return fmt.Errorf("disturbances[%d]: at and for must not be negative", i)
		}
	}
	return nil
}

type step struct {
	at     time.Duration
	device Device
	on     bool
}

// timeline expands the disturbances into ordered device switches.
func (s *Scenario) timeline() []step {
	steps := make([]step, 0, 2*len(s.Disturbances))
	for _, d := range s.Disturbances {
		steps = append(steps, step{at: d.At, device: d.Device, on: false})
		if d.For > 0 {
			steps = append(steps, step{at: d.At + d.For, device: d.Device, on: true})
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].at < steps[j].at })
	return steps
}

// Play applies the disturbances to h until they are exhausted or ctx ends.
func (s *Scenario) Play(ctx context.Context, h *Host) error {
	start := time.Now()
	for _, st := range s.timeline() {
		wait := time.Until(start.Add(st.at))
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		h.Switch(st.device, st.on)
	}
	return nil
}

// Switch turns one device on or off.
func (h *Host) Switch(d Device, on bool) {
	switch d {
	case DeviceCamera:
		h.SetCamera(on)
	case DeviceFullscreen:
		h.SetFullscreen(on)
	case DeviceFocus:
		h.SetFocused(on)
	case DeviceVisibility:
		h.SetVisible(on)
	}
}
