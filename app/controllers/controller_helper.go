package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ladlebox/ladlebox/internal/pkg/billing"
	"github.com/ladlebox/ladlebox/internal/pkg/config"
	"github.com/ladlebox/ladlebox/internal/pkg/directory"
)

// Package-level dependencies, wired once at boot via Initialize. The
// handlers are plain functions so route registration stays declarative.
var (
	appConfig *config.Config
	subscDir  *directory.Client
	gateway   *billing.GatewayClient
	engine    *billing.Engine
)

// Initialize wires the controller layer with its outbound clients.
func Initialize(cfg *config.Config) {
	appConfig = cfg
	subscDir = directory.NewClient(cfg)
	gateway = billing.NewGatewayClient(cfg)
	engine = billing.NewEngine(subscDir, gateway)
}

// formOrQuery reads a field from the form body first, then the query
// string. Gateway callbacks arrive as both GET and form POST.
func formOrQuery(c *fiber.Ctx, key string) string {
	if v := strings.TrimSpace(c.FormValue(key)); v != "" {
		return v
	}
	return strings.TrimSpace(c.Query(key))
}
