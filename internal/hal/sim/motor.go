package sim

import (
	"math"
	"strconv"
	"sync/atomic"

	"robotloop/internal/hal"
	"robotloop/internal/safety"
)

// Motor is a PWM speed controller. Every Set feeds its safety monitor.
type Motor struct {
	channel int
	output  atomic.Uint64 // float64 bits
	monitor *safety.Monitor
}

// Reporter is the subset of hal.HAL used to record the channel.
type Reporter interface {
	Report(resource string, instance int)
}

// NewMotor registers a motor on channel with reg. rep may be nil.
func NewMotor(reg *safety.Registry, channel int, rep Reporter) *Motor {
	m := &Motor{channel: channel}
	m.monitor = reg.NewMonitor(m)
	if rep != nil {
		rep.Report(hal.ResourcePWM, channel)
	}
	return m
}

// Set clamps speed to [-1, 1].
func (m *Motor) Set(speed float64) {
	if math.IsNaN(speed) {
		speed = 0
	}
	speed = math.Max(-1, math.Min(1, speed))
	m.output.Store(math.Float64bits(speed))
	m.monitor.Feed()
}

func (m *Motor) Get() float64 { return math.Float64frombits(m.output.Load()) }

func (m *Motor) StopMotor() { m.output.Store(math.Float64bits(0)) }

func (m *Motor) Description() string { return "PWM " + strconv.Itoa(m.channel) }

func (m *Motor) Monitor() *safety.Monitor { return m.monitor }

func (m *Motor) SetSafetyEnabled(enabled bool) { m.monitor.SetSafetyEnabled(enabled) }

func (m *Motor) Close() error {
	m.StopMotor()
	return m.monitor.Close()
}

var _ safety.Actuator = (*Motor)(nil)
