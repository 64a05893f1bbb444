// Package routes 注册 /-/ 前缀下的诊断接口，供运维查询缓存代与生命周期状态。
package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/site-cache/site-cache/internal/cache"
	"github.com/site-cache/site-cache/internal/lifecycle"
)

// Lifecycle 是诊断接口依赖的控制器能力，lifecycle.Controller 满足该接口。
type Lifecycle interface {
	Status() lifecycle.Status
	OnActivate(ctx context.Context) error
}

// Diagnostics 汇总诊断路由所需的依赖。
type Diagnostics struct {
	Lifecycle Lifecycle
	Storage   cache.Storage
	// Backend 是配置中的存储后端键值，仅用于展示。
	Backend string
}

type generationPayload struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Serving bool   `json:"serving"`
}

type entryPayload struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// RegisterDiagnostics 暴露 /-/status、/-/cache/:generation 与 /-/lifecycle/activate。
func RegisterDiagnostics(app *fiber.App, diag Diagnostics) {
	if app == nil || diag.Lifecycle == nil || diag.Storage == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status := diag.Lifecycle.Status()
		generations, err := encodeGenerations(c.Context(), diag.Storage, status.Serving)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		return c.JSON(fiber.Map{
			"lifecycle":   status,
			"backend":     diag.Backend,
			"generations": generations,
		})
	})

	app.Get("/-/cache/:generation", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("generation"))
		if err := cache.ValidateGeneration(name); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_generation"})
		}
		ctx := c.Context()
		names, err := diag.Storage.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		if !contains(names, name) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "generation_not_found"})
		}
		handle, err := diag.Storage.Open(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		keys, err := handle.Keys(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		entries := make([]entryPayload, 0, len(keys))
		for _, req := range keys {
			entries = append(entries, entryPayload{Method: req.Method, URL: req.URL.String()})
		}
		return c.JSON(fiber.Map{
			"generation": name,
			"entries":    entries,
		})
	})

	app.Post("/-/lifecycle/activate", func(c fiber.Ctx) error {
		err := diag.Lifecycle.OnActivate(c.Context())
		switch {
		case errors.Is(err, lifecycle.ErrNotInstalled):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_installed"})
		case errors.Is(err, lifecycle.ErrTransitionInProgress):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "transition_in_progress"})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed"})
		}
		return c.JSON(diag.Lifecycle.Status())
	})
}

func encodeGenerations(ctx context.Context, storage cache.Storage, serving string) ([]generationPayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]generationPayload, 0, len(names))
	for _, name := range names {
		item := generationPayload{Name: name, Serving: name == serving}
		handle, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := handle.Keys(ctx)
		if err != nil {
			return nil, err
		}
		item.Entries = len(keys)
		result = append(result, item)
	}
	return result, nil
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
