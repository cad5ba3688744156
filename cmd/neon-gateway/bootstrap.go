// ABOUTME: bootstrap subcommand: loads a YAML seed and creates organization, tools, role, and agent
// ABOUTME: Existing tools are reused by name so a seed can be applied for several organizations

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/neon-gateway/internal/config"
	"github.com/2389/neon-gateway/internal/llm"
	"github.com/2389/neon-gateway/internal/store"
	"github.com/2389/neon-gateway/internal/toolcall"
)

// seedFile is the YAML layout accepted by bootstrap.
type seedFile struct {
	Organization struct {
		Name     string `yaml:"name"`
		Slug     string `yaml:"slug"`
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"organization"`

	Tools []seedTool `yaml:"tools"`

	Role struct {
		Name         string `yaml:"name"`
		Description  string `yaml:"description"`
		SystemPrompt string `yaml:"system_prompt"`
	} `yaml:"role"`

	Agent struct {
		Name string `yaml:"name"`
		Slug string `yaml:"slug"`
	} `yaml:"agent"`
}

type seedTool struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Endpoint    string            `yaml:"endpoint"`
	Method      string            `yaml:"method"`
	Placement   string            `yaml:"placement"`
	Headers     map[string]string `yaml:"headers"`
	Parameters  map[string]any    `yaml:"parameters"`
	Disabled    bool              `yaml:"disabled"`
}

// seedResult reports what bootstrap created.
type seedResult struct {
	OrganizationID string
	RoleID         string
	AgentID        string
	ToolIDs        []string
}

func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	if err := seed.validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *seedFile) validate() error {
	if s.Organization.Name == "" || s.Organization.Slug == "" {
		return errors.New("organization.name and organization.slug are required")
	}
	if s.Role.Name == "" || s.Role.SystemPrompt == "" {
		return errors.New("role.name and role.system_prompt are required")
	}
	if s.Agent.Name == "" || s.Agent.Slug == "" {
		return errors.New("agent.name and agent.slug are required")
	}
	for i, t := range s.Tools {
		if t.Name == "" || t.Endpoint == "" {
			return fmt.Errorf("tools[%d]: name and endpoint are required", i)
		}
		switch strings.ToUpper(t.Method) {
		case "", "GET", "POST":
		default:
			return fmt.Errorf("tools[%d]: method must be GET or POST", i)
		}
		switch toolcall.Placement(t.Placement) {
		case "", toolcall.PlacementQuery, toolcall.PlacementRoute, toolcall.PlacementBody:
		default:
			return fmt.Errorf("tools[%d]: placement must be query, route, or body", i)
		}
	}
	return nil
}

func (t seedTool) definition() (llm.ToolDefinition, error) {
	def := llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Endpoint:    t.Endpoint,
		Method:      strings.ToUpper(t.Method),
		Placement:   toolcall.Placement(t.Placement),
		Headers:     t.Headers,
		Enabled:     !t.Disabled,
	}
	if def.Method == "" {
		def.Method = "GET"
	}
	if def.Placement == "" {
		def.Placement = toolcall.PlacementQuery
		if def.Method == "POST" {
			def.Placement = toolcall.PlacementBody
		}
	}
	if t.Parameters != nil {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			return def, fmt.Errorf("tool %s parameters: %w", t.Name, err)
		}
		def.Parameters = schema
	}
	return def, nil
}

// applySeed creates the seeded rows. Tools that already exist by name are linked
// instead of recreated.
func applySeed(ctx context.Context, s store.Store, seed *seedFile) (*seedResult, error) {
	existing, err := s.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	byName := make(map[string]string, len(existing))
	for _, t := range existing {
		byName[t.Name] = t.ID
	}

	res := &seedResult{}
	for _, st := range seed.Tools {
		if id, ok := byName[st.Name]; ok {
			res.ToolIDs = append(res.ToolIDs, id)
			continue
		}
		def, err := st.definition()
		if err != nil {
			return nil, err
		}
		tool := &store.Tool{ToolDefinition: def}
		if err := s.CreateTool(ctx, tool); err != nil {
			return nil, fmt.Errorf("creating tool %s: %w", st.Name, err)
		}
		byName[tool.Name] = tool.ID
		res.ToolIDs = append(res.ToolIDs, tool.ID)
	}

	org := &store.Organization{
		Name:      seed.Organization.Name,
		Slug:      seed.Organization.Slug,
		Provider:  seed.Organization.Provider,
		Model:     seed.Organization.Model,
		LLMAPIKey: seed.Organization.APIKey,
	}
	if err := s.CreateOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("creating organization: %w", err)
	}
	res.OrganizationID = org.ID

	role := &store.Role{
		Name:         seed.Role.Name,
		Description:  seed.Role.Description,
		SystemPrompt: seed.Role.SystemPrompt,
		ToolIDs:      res.ToolIDs,
	}
	if err := s.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("creating role: %w", err)
	}
	res.RoleID = role.ID

	agent := &store.Agent{
		Name:           seed.Agent.Name,
		Slug:           seed.Agent.Slug,
		OrganizationID: org.ID,
		RoleID:         role.ID,
		Active:         true,
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	res.AgentID = agent.ID
	return res, nil
}

func runBootstrap(ctx context.Context, args []string) error {
	seedPath, ok := flagValue(args, "file")
	if !ok || seedPath == "" {
		return fmt.Errorf("--file flag is required")
	}
	seed, err := loadSeed(seedPath)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath(args))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	res, err := applySeed(ctx, s, seed)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Printf("  ✓ Organization: ")
	cyan.Println(res.OrganizationID)
	green.Printf("  ✓ Role:         ")
	cyan.Println(res.RoleID)
	green.Printf("  ✓ Agent:        ")
	cyan.Println(res.AgentID)
	green.Printf("  ✓ Tools:        ")
	fmt.Println(len(res.ToolIDs))
	return nil
}
