package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Condition is the state a component reports
type Condition string

const (
	ConditionHealthy Condition = "healthy"
	// ConditionDegraded components still serve but are falling behind;
	// they do not fail health or readiness
	ConditionDegraded  Condition = "degraded"
	ConditionUnhealthy Condition = "unhealthy"
)

// HealthStatus is the body of the health and readiness endpoints
type HealthStatus struct {
	Status     string            `json:"status"` // healthy, degraded, unhealthy; ready, not_ready
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

var healthChecker = newHealthChecker("store", "transport", "fm")

// ComponentHealth is the last condition a component reported
type ComponentHealth struct {
	Name      string
	Condition Condition
	Message   string
	Updated   time.Time
}

func (c ComponentHealth) describe() string {
	if c.Message == "" {
		return string(c.Condition)
	}
	return string(c.Condition) + ": " + c.Message
}

// HealthChecker holds the conditions of the process's components
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
	critical   []string
}

func newHealthChecker(critical ...string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		critical:   critical,
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetCriticalComponents sets the components readiness waits for.
// A manager waits for raft, the store and the transport; an agent for its
// transport and its registration.
func SetCriticalComponents(names ...string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.critical = append([]string(nil), names...)
}

// RegisterComponent records a component as healthy or unhealthy
func RegisterComponent(name string, healthy bool, message string) {
	condition := ConditionHealthy
	if !healthy {
		condition = ConditionUnhealthy
	}
	SetComponentCondition(name, condition, message)
}

// UpdateComponent is RegisterComponent for a component already known
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// SetComponentCondition records the condition of a component
func SetComponentCondition(name string, condition Condition, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = ComponentHealth{
		Name:      name,
		Condition: condition,
		Message:   message,
		Updated:   time.Now(),
	}
}

// GetComponent returns the last condition name reported
func GetComponent(name string) (ComponentHealth, bool) {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()
	c, ok := healthChecker.components[name]
	return c, ok
}

// GetHealth returns the worst condition of all components
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := ConditionHealthy
	components := make(map[string]string)
	var failing []string
	for name, comp := range healthChecker.components {
		components[name] = comp.describe()
		switch comp.Condition {
		case ConditionUnhealthy:
			status = ConditionUnhealthy
			failing = append(failing, name)
		case ConditionDegraded:
			if status == ConditionHealthy {
				status = ConditionDegraded
			}
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	health := healthChecker.status(string(status), components)
	if len(failing) > 0 {
		health.Message = "check " + strings.Join(failing, ", ")
	}
	return health
}

// GetReadiness reports whether every critical component has registered and
// is not unhealthy
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)
	for _, name := range healthChecker.critical {
		comp, exists := healthChecker.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case comp.Condition == ConditionUnhealthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	readiness := healthChecker.status(status, components)
	readiness.Message = message
	return readiness
}

func (h *HealthChecker) status(status string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
		StartTime:  h.startTime,
	}
}

func writeStatus(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth; only an unhealthy component fails it
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == string(ConditionUnhealthy) {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}
