package config

import (
	"errors"
	"fmt"
	"time"
)

// Params are the tuning constants of the triggering heuristics. They gate
// escalation decisions; none of them is needed for correctness.
type Params struct {
	// Survival rates.
	GrowObjectSurvivalRate         float64
	ShrinkObjectSurvivalRate       float64
	MinObjectSurvivalRate          float64
	MinSensitiveObjectSurvivalRate float64

	// Growing factors by growing type.
	MinGrowingFactor            float64
	ConservativeGrowingFactor   float64
	HighThroughputGrowingFactor float64
	PressureGrowingFactor       float64

	// Semi space capacity adjustment.
	SemiSpaceGrowingFactor float64

	// Startup restraint.
	JustFinishStartupLocalRatio          float64
	JustFinishStartupSharedRatio         float64
	JustFinishStartupConcurrentMarkRatio float64
	DefaultStartupDuration               time.Duration
	FinishStartupTimepoint               time.Duration

	// Shared heap triggering.
	TriggerSharedConcurrentMarkRate   float64
	SharedMarkLimitIncrementFactor    float64
	NewAllocatedSharedObjectSizeLimit uint64

	// Lifecycle triggers.
	BackgroundGrowLimit         uint64
	MinBackgroundGCLimit        uint64
	TriggerOldGCObjectSizeLimit uint64
	TriggerOldGCObjectLimitRate float64

	// CSetLiveRatio is the live ratio below which an old region is evacuated
	// by an old collection.
	CSetLiveRatio float64

	// Idle collection.
	IdleTimeLimit    time.Duration
	IdleMaintainTime time.Duration

	// RecordedRateLength is the length of the speed and survival histories.
	RecordedRateLength int
}

// DefaultParams returns the default tuning constants.
func DefaultParams() Params {
	return Params{
		GrowObjectSurvivalRate:         0.8,
		ShrinkObjectSurvivalRate:       0.2,
		MinObjectSurvivalRate:          0.75,
		MinSensitiveObjectSurvivalRate: 0.8,

		MinGrowingFactor:            1.1,
		ConservativeGrowingFactor:   2.0,
		HighThroughputGrowingFactor: 4.0,
		PressureGrowingFactor:       1.1,

		SemiSpaceGrowingFactor: 2,

		JustFinishStartupLocalRatio:          0.25,
		JustFinishStartupSharedRatio:         0.25,
		JustFinishStartupConcurrentMarkRatio: 0.9,
		DefaultStartupDuration:               2 * time.Second,
		FinishStartupTimepoint:               8 * time.Second,
		TriggerSharedConcurrentMarkRate:      0.75,
		SharedMarkLimitIncrementFactor:       1.1,
		NewAllocatedSharedObjectSizeLimit:    4 * MB,
		BackgroundGrowLimit:                  2 * MB,
		MinBackgroundGCLimit:                 30 * MB,
		TriggerOldGCObjectSizeLimit:          20 * MB,
		TriggerOldGCObjectLimitRate:          0.1,
		CSetLiveRatio:                        0.8,
		IdleTimeLimit:                        10 * time.Millisecond,
		IdleMaintainTime:                     500 * time.Millisecond,
		RecordedRateLength:                   10,
	}
}

// Validate checks that rates are within range.
func (p Params) Validate() error {
	var errs []error
	rate := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %v is not within [0, 1]", name, v))
		}
	}
	rate("grow object survival rate", p.GrowObjectSurvivalRate)
	rate("shrink object survival rate", p.ShrinkObjectSurvivalRate)
	rate("min object survival rate", p.MinObjectSurvivalRate)
	rate("min sensitive object survival rate", p.MinSensitiveObjectSurvivalRate)
	rate("just finish startup local ratio", p.JustFinishStartupLocalRatio)
	rate("just finish startup shared ratio", p.JustFinishStartupSharedRatio)
	rate("just finish startup concurrent mark ratio", p.JustFinishStartupConcurrentMarkRatio)
	rate("trigger shared concurrent mark rate", p.TriggerSharedConcurrentMarkRate)
	rate("collection set live ratio", p.CSetLiveRatio)
	if p.ShrinkObjectSurvivalRate == 0 {
		errs = append(errs, errors.New("shrink object survival rate must not be zero"))
	}
	if p.MinGrowingFactor < 1 {
		errs = append(errs, fmt.Errorf("min growing factor %v is less than 1", p.MinGrowingFactor))
	}
	for _, f := range []float64{p.ConservativeGrowingFactor, p.HighThroughputGrowingFactor, p.PressureGrowingFactor} {
		if f < p.MinGrowingFactor {
			errs = append(errs, fmt.Errorf("growing factor %v is below the min growing factor %v", f, p.MinGrowingFactor))
		}
	}
	if p.SemiSpaceGrowingFactor < 1 {
		errs = append(errs, fmt.Errorf("semi space growing factor %v is less than 1", p.SemiSpaceGrowingFactor))
	}
	if p.FinishStartupTimepoint < p.DefaultStartupDuration {
		errs = append(errs, fmt.Errorf("finish startup timepoint %v is before the startup duration %v",
			p.FinishStartupTimepoint, p.DefaultStartupDuration))
	}
	if p.RecordedRateLength < 1 {
		errs = append(errs, fmt.Errorf("recorded rate length %d is less than 1", p.RecordedRateLength))
	}
	return errors.Join(errs...)
}
