package update

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// HealthURLLabel is the compose label that declares a service's health
// endpoint. Services without it are restarted but not health-gated.
const HealthURLLabel = "castellan.health-url"

// Service is one managed compose service in restart order.
type Service struct {
	Name      string
	HealthURL string
}

// Manifest is the ordered set of services the updater manages, derived
// from the compose file. Order respects depends_on: a service is always
// restarted after everything it depends on.
type Manifest struct {
	Services []Service
}

type composeDoc struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	DependsOn stringSet `yaml:"depends_on"`
	Labels    labelMap  `yaml:"labels"`
}

// stringSet accepts both compose forms of depends_on: a plain sequence of
// names and a mapping of name to condition.
type stringSet []string

func (s *stringSet) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
	case yaml.MappingNode:
		var m map[string]yaml.Node
		if err := value.Decode(&m); err != nil {
			return err
		}
		for name := range m {
			*s = append(*s, name)
		}
		sort.Strings(*s)
	default:
		return fmt.Errorf("depends_on: unsupported yaml node kind %d", value.Kind)
	}
	return nil
}

// labelMap accepts both compose forms of labels: a mapping and a sequence
// of "key=value" strings.
type labelMap map[string]string

func (l *labelMap) UnmarshalYAML(value *yaml.Node) error {
	*l = labelMap{}
	switch value.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := value.Decode(&m); err != nil {
			return err
		}
		*l = m
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		for _, entry := range list {
			key, val, _ := strings.Cut(entry, "=")
			(*l)[key] = val
		}
	default:
		return fmt.Errorf("labels: unsupported yaml node kind %d", value.Kind)
	}
	return nil
}

// LoadManifest parses the compose file at path into a Manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest builds a Manifest from raw compose yaml.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc composeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("compose file declares no services")
	}

	order, err := dependencyOrder(doc.Services)
	if err != nil {
		return nil, err
	}

	m := &Manifest{}
	for _, name := range order {
		m.Services = append(m.Services, Service{
			Name:      name,
			HealthURL: doc.Services[name].Labels[HealthURLLabel],
		})
	}
	return m, nil
}

// ApplyHealthURLs replaces label-derived health endpoints with an ordered
// comma-separated list (the HEALTH_URLS override). URLs map onto services
// in manifest order; an empty element disables the check for that slot,
// and services past the end of the list get no check.
func (m *Manifest) ApplyHealthURLs(csv string) {
	urls := strings.Split(csv, ",")
	for i := range m.Services {
		if i < len(urls) {
			m.Services[i].HealthURL = strings.TrimSpace(urls[i])
		} else {
			m.Services[i].HealthURL = ""
		}
	}
}

// Names returns the service names in restart order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Services))
	for _, s := range m.Services {
		names = append(names, s.Name)
	}
	return names
}

// dependencyOrder topologically sorts services so dependencies come first.
// Ties break alphabetically so the restart order is stable across runs.
func dependencyOrder(services map[string]composeService) ([]string, error) {
	indegree := make(map[string]int, len(services))
	dependents := make(map[string][]string, len(services))
	for name := range services {
		indegree[name] = 0
	}
	for name, svc := range services {
		for _, dep := range svc.DependsOn {
			if _, ok := services[dep]; !ok {
				return nil, fmt.Errorf("service %s depends on undeclared service %s", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(services))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(services) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle among services: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}
