package model

import (
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

// ResourceRequirements are the cpu and memory bounds of a launched process.
// Every field is optional, nil means "inherit the default".
type ResourceRequirements struct {
	CPURequest    *string `json:"cpu_request,omitempty" yaml:"cpu_request,omitempty"`
	CPULimit      *string `json:"cpu_limit,omitempty" yaml:"cpu_limit,omitempty"`
	MemoryRequest *string `json:"memory_request,omitempty" yaml:"memory_request,omitempty"`
	MemoryLimit   *string `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"`
}

// MergeResources returns a new value where each field set in override wins
// over the one from dflt. The result never shares pointers with its inputs.
func MergeResources(dflt, override ResourceRequirements) ResourceRequirements {
	return ResourceRequirements{
		CPURequest:    pick(override.CPURequest, dflt.CPURequest),
		CPULimit:      pick(override.CPULimit, dflt.CPULimit),
		MemoryRequest: pick(override.MemoryRequest, dflt.MemoryRequest),
		MemoryLimit:   pick(override.MemoryLimit, dflt.MemoryLimit),
	}
}

func pick(override, dflt *string) *string {
	switch {
	case override != nil:
		s := *override
		return &s
	case dflt != nil:
		s := *dflt
		return &s
	default:
		return nil
	}
}

// Validate checks that all set fields are valid non-negative quantities
// and that requests do not exceed limits.
func (r ResourceRequirements) Validate() error {
	var errs []error
	cpuReq, err := quantity("cpu_request", r.CPURequest)
	errs = append(errs, err)
	cpuLim, err := quantity("cpu_limit", r.CPULimit)
	errs = append(errs, err)
	memReq, err := quantity("memory_request", r.MemoryRequest)
	errs = append(errs, err)
	memLim, err := quantity("memory_limit", r.MemoryLimit)
	errs = append(errs, err)

	if cpuReq != nil && cpuLim != nil && cpuReq.Cmp(*cpuLim) > 0 {
		errs = append(errs, fmt.Errorf("cpu_request %s exceeds cpu_limit %s", cpuReq, cpuLim))
	}
	if memReq != nil && memLim != nil && memReq.Cmp(*memLim) > 0 {
		errs = append(errs, fmt.Errorf("memory_request %s exceeds memory_limit %s", memReq, memLim))
	}
	return errors.Join(errs...)
}

// CPUs returns the cpu limit as a fractional number of cores, 0 if unset.
func (r ResourceRequirements) CPUs() float64 {
	q, err := quantity("cpu_limit", r.CPULimit)
	if err != nil || q == nil {
		return 0
	}
	return float64(q.MilliValue()) / 1000
}

// MemoryLimitBytes returns the memory limit in bytes, 0 if unset.
func (r ResourceRequirements) MemoryLimitBytes() int64 {
	q, err := quantity("memory_limit", r.MemoryLimit)
	if err != nil || q == nil {
		return 0
	}
	return q.Value()
}

// MemoryRequestBytes returns the memory request in bytes, 0 if unset.
func (r ResourceRequirements) MemoryRequestBytes() int64 {
	q, err := quantity("memory_request", r.MemoryRequest)
	if err != nil || q == nil {
		return 0
	}
	return q.Value()
}

func quantity(name string, s *string) (*resource.Quantity, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	q, err := resource.ParseQuantity(*s)
	if err != nil {
		return nil, fmt.Errorf("parsing %s %q: %w", name, *s, err)
	}
	if q.Sign() < 0 {
		return nil, fmt.Errorf("%s %q is negative", name, *s)
	}
	return &q, nil
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}
