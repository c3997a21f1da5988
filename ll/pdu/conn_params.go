package pdu

import "fmt"

// ConnParams represents the timing of a connection.
type ConnParams struct {
	// Connection interval in units of 1.25ms
	// Range: 6 (7.5ms) to 3200 (4s)
	Interval uint16

	// Peripheral latency (number of connection events the peripheral can skip)
	// Range: 0 to 499
	Latency uint16

	// Supervision timeout in units of 10ms
	// Range: 100ms (10) to 32s (3200)
	// Must be larger than (1 + Latency) * Interval * 2
	Timeout uint16
}

// Parameter limits (Core Spec v5.3 Vol 4, Part E, 7.8.12)
const (
	MinInterval = 6
	MaxInterval = 3200
	MaxLatency  = 499
	MinTimeout  = 10
	MaxTimeout  = 3200
)

// DefaultConnParams returns a typical 30ms / 6s connection
func DefaultConnParams() ConnParams {
	return ConnParams{
		Interval: 24,  // 30ms
		Latency:  0,   // No latency for responsive connection
		Timeout:  600, // 6 seconds
	}
}

// FastConnParams returns parameters for low-latency connections
func FastConnParams() ConnParams {
	return ConnParams{
		Interval: 6,   // 7.5ms (minimum)
		Latency:  0,   // No latency
		Timeout:  500, // 5 seconds
	}
}

// PowerSavingConnParams returns parameters optimized for power saving
func PowerSavingConnParams() ConnParams {
	return ConnParams{
		Interval: 80,  // 100ms
		Latency:  4,   // Can skip 4 connection events
		Timeout:  600, // 6 seconds
	}
}

// Validate checks if connection parameters are within valid BLE ranges
func (p ConnParams) Validate() error {
	if p.Interval < MinInterval || p.Interval > MaxInterval {
		return fmt.Errorf("pdu: Interval out of range (%d-%d): %d", MinInterval, MaxInterval, p.Interval)
	}
	if p.Latency > MaxLatency {
		return fmt.Errorf("pdu: Latency out of range (0-%d): %d", MaxLatency, p.Latency)
	}
	if p.Timeout < MinTimeout || p.Timeout > MaxTimeout {
		return fmt.Errorf("pdu: Timeout out of range (%d-%d): %d", MinTimeout, MaxTimeout, p.Timeout)
	}

	// Supervision timeout must be larger than (1 + Latency) * Interval * 2,
	// compared in microseconds.
	minTimeoutUs := (1 + uint32(p.Latency)) * p.IntervalUs() * 2
	if p.TimeoutUs() <= minTimeoutUs {
		return fmt.Errorf("pdu: Timeout (%d us) must be > (1+latency)*interval*2 (%d us)",
			p.TimeoutUs(), minTimeoutUs)
	}
	return nil
}

// IntervalUs returns the connection interval in microseconds
func (p ConnParams) IntervalUs() uint32 {
	return uint32(p.Interval) * 1250
}

// TimeoutUs returns the supervision timeout in microseconds
func (p ConnParams) TimeoutUs() uint32 {
	return uint32(p.Timeout) * 10000
}

// IntervalMs returns the connection interval in milliseconds
func (p ConnParams) IntervalMs() float64 {
	return float64(p.Interval) * 1.25
}

// ConnParamsRange is what a host or peer asks for: an interval range plus
// latency and timeout. The central picks the interval.
type ConnParamsRange struct {
	IntervalMin uint16
	IntervalMax uint16
	Latency     uint16
	Timeout     uint16
}

// Validate checks the range and that the widest interval still satisfies
// the supervision rule.
func (r ConnParamsRange) Validate() error {
	if r.IntervalMax < r.IntervalMin {
		return fmt.Errorf("pdu: IntervalMax (%d) must be >= IntervalMin (%d)", r.IntervalMax, r.IntervalMin)
	}
	if err := (ConnParams{Interval: r.IntervalMin, Latency: r.Latency, Timeout: r.Timeout}).Validate(); err != nil {
		return err
	}
	return ConnParams{Interval: r.IntervalMax, Latency: r.Latency, Timeout: r.Timeout}.Validate()
}

// Pick returns concrete parameters inside the range, preferring current's
// interval when it fits, otherwise the upper bound.
func (r ConnParamsRange) Pick(current uint16) ConnParams {
	interval := r.IntervalMax
	if current >= r.IntervalMin && current <= r.IntervalMax {
		interval = current
	}
	return ConnParams{Interval: interval, Latency: r.Latency, Timeout: r.Timeout}
}

// Contains reports whether p lies inside the range
func (r ConnParamsRange) Contains(p ConnParams) bool {
	return p.Interval >= r.IntervalMin && p.Interval <= r.IntervalMax &&
		p.Latency == r.Latency && p.Timeout == r.Timeout
}
