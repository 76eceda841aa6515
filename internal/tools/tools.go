// Package tools implements the assistant tool registry and executor.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ashureev/ispec/internal/config"
	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/identity"
	"github.com/ashureev/ispec/internal/store"
)

// Invocation carries the per-call context a tool handler may need.
type Invocation struct {
	Args        map[string]any
	User        identity.User
	UserMessage string
	SessionPK   int64
}

// Tool is a declarative capability: name, argument schema, minimum role,
// and a handler. Registered once at startup.
type Tool struct {
	Name        string
	Description string
	MinRole     identity.Role
	Write       bool
	Repo        bool
	Schema      map[string]any
	Execute     func(ctx context.Context, inv Invocation) (any, error)
}

// Envelope is the uniform result shape every tool invocation produces.
type Envelope struct {
	OK     bool   `json:"ok"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// JSON renders the envelope for echoing back to the model.
func (e Envelope) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"tool":%q,"error":"encode envelope"}`, e.Tool)
	}
	return string(data)
}

// Registry holds the tool table and the store handles tools close over.
type Registry struct {
	tools       map[string]*Tool
	order       []string
	domainStore store.DomainStore
	assistant   store.AssistantStore
	apiSchema   string
	repoEnabled bool
	repoRoot    string
}

// NewRegistry builds the capability table. apiSchemaJSON may be empty when no
// OpenAPI document is deployed alongside the assistant.
func NewRegistry(domainStore store.DomainStore, assistantStore store.AssistantStore, apiSchemaJSON string, chat config.ChatConfig) *Registry {
	r := &Registry{
		tools:       make(map[string]*Tool),
		domainStore: domainStore,
		assistant:   assistantStore,
		apiSchema:   apiSchemaJSON,
		repoEnabled: chat.RepoToolsEnabled,
		repoRoot:    chat.RepoRoot,
	}
	r.registerAll()
	return r
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Get returns the named tool, or nil if unknown.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// ForUser returns the tools the given caller may see, in registration order.
// Write tools are hidden below their minimum role and repository tools are
// hidden unless enabled for the deployment.
func (r *Registry) ForUser(user identity.User) []*Tool {
	var out []*Tool
	for _, name := range r.order {
		t := r.tools[name]
		if t.Repo && !r.repoEnabled {
			continue
		}
		if user.Role < t.MinRole {
			continue
		}
		out = append(out, t)
	}
	return out
}

// aliasPattern matches convenience names the model sometimes invents.
var projectIDArgKeys = []string{"id", "project_id"}

// resolve maps alias tool names onto canonical ones. The generic "projects"
// lookup becomes a by-id fetch when an id argument is present.
func (r *Registry) resolve(name string, args map[string]any) string {
	switch name {
	case "projects":
		for _, key := range projectIDArgKeys {
			if _, ok := args[key]; ok {
				return "get_project"
			}
		}
		return "search_projects"
	case "project_count":
		return "count_all_projects"
	}
	return name
}

// Run validates and executes one tool call. It never panics and never
// returns an error: every failure mode is folded into the envelope.
func (r *Registry) Run(ctx context.Context, name string, inv Invocation) (env Envelope) {
	if inv.Args == nil {
		inv.Args = map[string]any{}
	}
	canonical := r.resolve(name, inv.Args)
	env = Envelope{Tool: canonical}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", canonical, "panic", rec)
			env = Envelope{Tool: canonical, Error: fmt.Sprintf("tool %s failed: %v", canonical, rec)}
		}
	}()

	t := r.tools[canonical]
	if t == nil {
		env.Error = fmt.Sprintf("unknown tool: %s", name)
		return env
	}
	if t.Repo && !r.repoEnabled {
		env.Error = fmt.Sprintf("tool %s is not enabled for this deployment", canonical)
		return env
	}
	if inv.User.Role < t.MinRole {
		env.Error = fmt.Sprintf("tool %s requires role %s or above", canonical, t.MinRole)
		return env
	}

	result, err := t.Execute(ctx, inv)
	if err != nil {
		env.Error = err.Error()
		return env
	}
	env.OK = true
	env.Result = result
	return env
}

// corroborationRe matches an explicit save/record instruction in the user's
// own message. The write tool refuses without it, independently of confirm.
var corroborationRe = regexp.MustCompile(`(?i)\b(save|record|add|leave|write|log)\b[^.!?\n]{0,80}\b(comment|note)\b`)

func (r *Registry) registerAll() {
	r.register(&Tool{
		Name:        "count_all_projects",
		Description: "Count all projects in the lab.",
		MinRole:     identity.RoleViewer,
		Schema:      objectSchema(map[string]any{}, nil),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			count, err := r.domainStore.CountProjects(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"count": count}, nil
		},
	})

	r.register(&Tool{
		Name:        "count_my_projects",
		Description: "Count projects owned by the calling user.",
		MinRole:     identity.RoleViewer,
		Schema:      objectSchema(map[string]any{}, nil),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			if !inv.User.Authenticated() {
				return nil, fmt.Errorf("count_my_projects requires an authenticated caller")
			}
			count, err := r.domainStore.CountProjectsForOwner(ctx, inv.User.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"count": count, "owner_id": inv.User.ID}, nil
		},
	})

	r.register(&Tool{
		Name:        "search_projects",
		Description: "Search projects by title or display id.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"query": stringProp("search text"),
			"limit": intProp("max results, default 10"),
		}, []string{"query"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			query, err := argString(inv.Args, "query")
			if err != nil {
				return nil, err
			}
			projects, err := r.domainStore.SearchProjects(ctx, query, argIntDefault(inv.Args, "limit", 10))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(projects))
			for _, p := range projects {
				out = append(out, projectJSON(p))
			}
			return map[string]any{"projects": out}, nil
		},
	})

	r.register(&Tool{
		Name:        "get_project",
		Description: "Fetch one project by id.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"id": intProp("project id"),
		}, []string{"id"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			id, err := argID(inv.Args, projectIDArgKeys...)
			if err != nil {
				return nil, err
			}
			p, err := r.domainStore.GetProject(ctx, id)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("project %d not found", id)
			}
			return projectJSON(p), nil
		},
	})

	r.register(&Tool{
		Name:        "search_people",
		Description: "Search lab members by name or email.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"query": stringProp("search text"),
			"limit": intProp("max results, default 10"),
		}, []string{"query"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			query, err := argString(inv.Args, "query")
			if err != nil {
				return nil, err
			}
			people, err := r.domainStore.SearchPeople(ctx, query, argIntDefault(inv.Args, "limit", 10))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(people))
			for _, p := range people {
				out = append(out, map[string]any{"id": p.ID, "name": p.Name, "email": p.Email, "title": p.Title})
			}
			return map[string]any{"people": out}, nil
		},
	})

	r.register(&Tool{
		Name:        "get_person",
		Description: "Fetch one lab member by id.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"id": intProp("person id"),
		}, []string{"id"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			id, err := argID(inv.Args, "id", "person_id")
			if err != nil {
				return nil, err
			}
			p, err := r.domainStore.GetPerson(ctx, id)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("person %d not found", id)
			}
			return map[string]any{"id": p.ID, "name": p.Name, "email": p.Email, "title": p.Title}, nil
		},
	})

	r.register(&Tool{
		Name:        "search_experiments",
		Description: "Search experiments by kind or status.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"query": stringProp("search text"),
			"limit": intProp("max results, default 10"),
		}, []string{"query"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			query, err := argString(inv.Args, "query")
			if err != nil {
				return nil, err
			}
			experiments, err := r.domainStore.SearchExperiments(ctx, query, argIntDefault(inv.Args, "limit", 10))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(experiments))
			for _, e := range experiments {
				out = append(out, map[string]any{"id": e.ID, "project_id": e.ProjectID, "kind": e.Kind, "status": e.Status})
			}
			return map[string]any{"experiments": out}, nil
		},
	})

	r.register(&Tool{
		Name:        "get_experiment",
		Description: "Fetch one experiment by id.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"id": intProp("experiment id"),
		}, []string{"id"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			id, err := argID(inv.Args, "id", "experiment_id")
			if err != nil {
				return nil, err
			}
			e, err := r.domainStore.GetExperiment(ctx, id)
			if err != nil {
				return nil, err
			}
			if e == nil {
				return nil, fmt.Errorf("experiment %d not found", id)
			}
			return map[string]any{"id": e.ID, "project_id": e.ProjectID, "kind": e.Kind, "status": e.Status}, nil
		},
	})

	r.register(&Tool{
		Name:        "list_schedule_slots",
		Description: "List booked schedule slots in a time window (default next 7 days).",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"from":  stringProp("window start, RFC 3339"),
			"to":    stringProp("window end, RFC 3339"),
			"limit": intProp("max results, default 50"),
		}, nil),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			now := time.Now()
			from := argTimeDefault(inv.Args, "from", now)
			to := argTimeDefault(inv.Args, "to", from.Add(7*24*time.Hour))
			slots, err := r.domainStore.ListScheduleSlots(ctx, from, to, argIntDefault(inv.Args, "limit", 50))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(slots))
			for _, s := range slots {
				out = append(out, map[string]any{
					"id":        s.ID,
					"person_id": s.PersonID,
					"kind":      s.Kind,
					"starts_at": s.StartsAt.UTC().Format(time.RFC3339),
					"ends_at":   s.EndsAt.UTC().Format(time.RFC3339),
				})
			}
			return map[string]any{"slots": out}, nil
		},
	})

	r.register(&Tool{
		Name:        "get_gene_stat",
		Description: "Fetch the expression score for one gene symbol.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"symbol": stringProp("gene symbol, e.g. TP53"),
		}, []string{"symbol"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			symbol, err := argString(inv.Args, "symbol")
			if err != nil {
				return nil, err
			}
			g, err := r.domainStore.GetGeneStat(ctx, symbol)
			if err != nil {
				return nil, err
			}
			if g == nil {
				return nil, fmt.Errorf("gene %s not found", symbol)
			}
			return map[string]any{"symbol": g.Symbol, "score": g.Score, "tissue": g.Tissue}, nil
		},
	})

	r.register(&Tool{
		Name:        "search_api_schema",
		Description: "Search the deployed HTTP API schema for matching endpoints.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"query": stringProp("search text"),
			"limit": intProp("max results, default 5"),
		}, []string{"query"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			query, err := argString(inv.Args, "query")
			if err != nil {
				return nil, err
			}
			if r.apiSchema == "" {
				return nil, fmt.Errorf("no API schema is configured")
			}
			hits := searchAPISchema(r.apiSchema, query, argIntDefault(inv.Args, "limit", 5))
			return map[string]any{"endpoints": hits}, nil
		},
	})

	r.register(&Tool{
		Name:        "search_repo",
		Description: "Search the deployed source tree for a text fragment.",
		MinRole:     identity.RoleAnalyst,
		Repo:        true,
		Schema: objectSchema(map[string]any{
			"query": stringProp("search text"),
			"limit": intProp("max matching lines, default 20"),
		}, []string{"query"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			query, err := argString(inv.Args, "query")
			if err != nil {
				return nil, err
			}
			hits, err := searchRepo(r.repoRoot, query, argIntDefault(inv.Args, "limit", 20))
			if err != nil {
				return nil, err
			}
			return map[string]any{"matches": hits}, nil
		},
	})

	r.register(&Tool{
		Name:        "list_session_memories",
		Description: "List remembered facts for the current session and user.",
		MinRole:     identity.RoleViewer,
		Schema: objectSchema(map[string]any{
			"limit": intProp("max results, default 20"),
		}, nil),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			memories, err := r.assistant.ListMemories(ctx, inv.SessionPK, inv.User.ID, argIntDefault(inv.Args, "limit", 20))
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(memories))
			for _, m := range memories {
				entry := map[string]any{"kind": m.Kind, "key": m.Key, "value": json.RawMessage(m.ValueJSON)}
				out = append(out, entry)
			}
			return map[string]any{"memories": out}, nil
		},
	})

	r.register(&Tool{
		Name:        "add_project_comment",
		Description: "Save a comment on a project, authored by the assistant. Requires confirm=true and an explicit user instruction to save.",
		MinRole:     identity.RoleEditor,
		Write:       true,
		Schema: objectSchema(map[string]any{
			"project_id": intProp("project id"),
			"body":       stringProp("comment text"),
			"confirm":    boolProp("must be true to write"),
		}, []string{"project_id", "body", "confirm"}),
		Execute: func(ctx context.Context, inv Invocation) (any, error) {
			projectID, err := argID(inv.Args, "project_id", "id")
			if err != nil {
				return nil, err
			}
			body, err := argString(inv.Args, "body")
			if err != nil {
				return nil, err
			}
			if !argBool(inv.Args, "confirm") {
				return nil, fmt.Errorf("add_project_comment refused: confirm=true is required")
			}
			if !corroborationRe.MatchString(inv.UserMessage) {
				return nil, fmt.Errorf("add_project_comment refused: the user message must explicitly ask to save or record this comment")
			}
			p, err := r.domainStore.GetProject(ctx, projectID)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, fmt.Errorf("project %d not found", projectID)
			}
			authorID, err := r.domainStore.EnsureAssistantPerson(ctx)
			if err != nil {
				return nil, err
			}
			commentID, err := r.domainStore.InsertProjectComment(ctx, projectID, authorID, body)
			if err != nil {
				return nil, err
			}
			return map[string]any{"comment_id": commentID, "project_id": projectID, "author_id": authorID}, nil
		},
	})
}

func projectJSON(p *domain.Project) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"display_id": p.DisplayID,
		"title":      p.Title,
		"status":     p.Status,
		"owner_id":   p.OwnerID,
	}
}
