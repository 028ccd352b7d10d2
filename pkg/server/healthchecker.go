package server

import (
	"context"
	"log/slog"
)

type HealthChecker interface {
	Name() string
	Healthy(ctx context.Context) bool
}

type OkHealthChecker struct {
}

func NewOkHealthChecker() *OkHealthChecker {
	return &OkHealthChecker{}
}

func (hc *OkHealthChecker) Name() string { return "self" }

func (hc *OkHealthChecker) Healthy(ctx context.Context) bool {
	return true
}

// FuncHealthChecker reports healthy while check returns nil.
type FuncHealthChecker struct {
	name  string
	check func(ctx context.Context) error
}

func NewFuncHealthChecker(name string, check func(ctx context.Context) error) *FuncHealthChecker {
	return &FuncHealthChecker{name: name, check: check}
}

func (hc *FuncHealthChecker) Name() string { return hc.name }

func (hc *FuncHealthChecker) Healthy(ctx context.Context) bool {
	if err := hc.check(ctx); err != nil {
		slog.Warn("Health check failed", "check", hc.name, "error", err)
		return false
	}
	return true
}
