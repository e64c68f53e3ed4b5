package route

import (
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
)

// RouterLoader mounts routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// RouteType distinguishes which surface a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API surface.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers routes for health and metrics probes.
	RouteTypeManagement
)

// Plugin is a route plugin with an order for a deterministic mount sequence.
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var (
	plugins  []Plugin
	sortOnce sync.Once
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func sorted() []Plugin {
	sortOnce.Do(func() {
		sort.Slice(plugins, func(i, j int) bool { return plugins[i].Order < plugins[j].Order })
	})
	return plugins
}

// Loaders returns the loaders of the given type, sorted by order.
func Loaders(t RouteType) []RouterLoader {
	var loaders []RouterLoader
	for _, p := range sorted() {
		if p.Type == t {
			loaders = append(loaders, p.Loader)
		}
	}
	return loaders
}
