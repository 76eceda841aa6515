package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/ispec/internal/config"
	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/identity"
)

type fakeDomain struct {
	projects        map[int64]*domain.Project
	people          map[int64]*domain.Person
	experiments     map[int64]*domain.Experiment
	geneStats       map[string]*domain.GeneStat
	slots           []*domain.ScheduleSlot
	comments        []*domain.ProjectComment
	assistantPerson int64
	nextCommentID   int64
	failCount       bool
}

func newFakeDomain() *fakeDomain {
	return &fakeDomain{
		projects:      make(map[int64]*domain.Project),
		people:        make(map[int64]*domain.Person),
		experiments:   make(map[int64]*domain.Experiment),
		geneStats:     make(map[string]*domain.GeneStat),
		nextCommentID: 1,
	}
}

func (f *fakeDomain) CountProjects(ctx context.Context) (int64, error) {
	if f.failCount {
		return 0, fmt.Errorf("database locked")
	}
	return int64(len(f.projects)), nil
}

func (f *fakeDomain) CountProjectsForOwner(ctx context.Context, ownerID int64) (int64, error) {
	var n int64
	for _, p := range f.projects {
		if p.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (f *fakeDomain) SearchProjects(ctx context.Context, query string, limit int) ([]*domain.Project, error) {
	var out []*domain.Project
	for _, p := range f.projects {
		if strings.Contains(strings.ToLower(p.Title), strings.ToLower(query)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeDomain) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	return f.projects[id], nil
}

func (f *fakeDomain) SearchPeople(ctx context.Context, query string, limit int) ([]*domain.Person, error) {
	var out []*domain.Person
	for _, p := range f.people {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(query)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeDomain) GetPerson(ctx context.Context, id int64) (*domain.Person, error) {
	return f.people[id], nil
}

func (f *fakeDomain) SearchExperiments(ctx context.Context, query string, limit int) ([]*domain.Experiment, error) {
	return nil, nil
}

func (f *fakeDomain) GetExperiment(ctx context.Context, id int64) (*domain.Experiment, error) {
	return f.experiments[id], nil
}

func (f *fakeDomain) ListScheduleSlots(ctx context.Context, from, to time.Time, limit int) ([]*domain.ScheduleSlot, error) {
	return f.slots, nil
}

func (f *fakeDomain) GetGeneStat(ctx context.Context, symbol string) (*domain.GeneStat, error) {
	return f.geneStats[strings.ToUpper(symbol)], nil
}

func (f *fakeDomain) EnsureAssistantPerson(ctx context.Context) (int64, error) {
	if f.assistantPerson == 0 {
		f.assistantPerson = int64(len(f.people) + 1000)
	}
	return f.assistantPerson, nil
}

func (f *fakeDomain) InsertProjectComment(ctx context.Context, projectID, authorID int64, body string) (int64, error) {
	id := f.nextCommentID
	f.nextCommentID++
	f.comments = append(f.comments, &domain.ProjectComment{ID: id, ProjectID: projectID, AuthorID: authorID, Body: body})
	return id, nil
}

func (f *fakeDomain) Ping(ctx context.Context) error { return nil }
func (f *fakeDomain) Close() error                   { return nil }

func testRegistry(dom *fakeDomain, chat config.ChatConfig) *Registry {
	return NewRegistry(dom, nil, "", chat)
}

func editorUser() identity.User {
	return identity.User{ID: 7, DisplayName: "Dana", Role: identity.RoleEditor}
}

func TestRunUnknownTool(t *testing.T) {
	r := testRegistry(newFakeDomain(), config.ChatConfig{})

	env := r.Run(context.Background(), "launch_rocket", Invocation{User: editorUser()})

	if env.OK {
		t.Error("Expected ok=false for unknown tool")
	}
	if !strings.Contains(env.Error, "unknown tool") {
		t.Errorf("Expected unknown tool error, got %q", env.Error)
	}
}

func TestRunRoleGating(t *testing.T) {
	dom := newFakeDomain()
	dom.projects[1] = &domain.Project{ID: 1, Title: "CRISPR screen", OwnerID: 7}
	r := testRegistry(dom, config.ChatConfig{})

	viewer := identity.User{ID: 3, Role: identity.RoleViewer}
	env := r.Run(context.Background(), "add_project_comment", Invocation{
		User: viewer,
		Args: map[string]any{"project_id": float64(1), "body": "hi", "confirm": true},
	})

	if env.OK {
		t.Error("Expected ok=false for viewer calling a write tool")
	}
	if !strings.Contains(env.Error, "requires role") {
		t.Errorf("Expected role error, got %q", env.Error)
	}
}

func TestForUserHidesWriteAndRepoTools(t *testing.T) {
	r := testRegistry(newFakeDomain(), config.ChatConfig{RepoToolsEnabled: false})

	viewer := identity.User{ID: 3, Role: identity.RoleViewer}
	for _, tool := range r.ForUser(viewer) {
		if tool.Write {
			t.Errorf("Expected no write tools for viewer, got %s", tool.Name)
		}
		if tool.Repo {
			t.Errorf("Expected no repo tools when disabled, got %s", tool.Name)
		}
	}

	editor := editorUser()
	found := false
	for _, tool := range r.ForUser(editor) {
		if tool.Name == "add_project_comment" {
			found = true
		}
	}
	if !found {
		t.Error("Expected add_project_comment to be visible to editor")
	}
}

func TestToolErrorBecomesEnvelope(t *testing.T) {
	dom := newFakeDomain()
	dom.failCount = true
	r := testRegistry(dom, config.ChatConfig{})

	env := r.Run(context.Background(), "count_all_projects", Invocation{User: editorUser()})

	if env.OK {
		t.Error("Expected ok=false when the store fails")
	}
	if env.Error != "database locked" {
		t.Errorf("Expected store error in envelope, got %q", env.Error)
	}
}

func TestAliasResolution(t *testing.T) {
	dom := newFakeDomain()
	dom.projects[42] = &domain.Project{ID: 42, Title: "Organoid atlas", OwnerID: 7}
	r := testRegistry(dom, config.ChatConfig{})

	env := r.Run(context.Background(), "projects", Invocation{
		User: editorUser(),
		Args: map[string]any{"id": float64(42)},
	})
	if !env.OK {
		t.Fatalf("Expected ok=true, got error %q", env.Error)
	}
	if env.Tool != "get_project" {
		t.Errorf("Expected tool get_project, got %s", env.Tool)
	}

	env = r.Run(context.Background(), "projects", Invocation{
		User: editorUser(),
		Args: map[string]any{"query": "atlas"},
	})
	if env.Tool != "search_projects" {
		t.Errorf("Expected tool search_projects, got %s", env.Tool)
	}

	env = r.Run(context.Background(), "project_count", Invocation{User: editorUser()})
	if env.Tool != "count_all_projects" {
		t.Errorf("Expected tool count_all_projects, got %s", env.Tool)
	}
}

func TestAddProjectCommentDualConfirmation(t *testing.T) {
	dom := newFakeDomain()
	dom.projects[5] = &domain.Project{ID: 5, Title: "Sequencing run QC", OwnerID: 7}
	r := testRegistry(dom, config.ChatConfig{})
	ctx := context.Background()

	args := func(confirm bool) map[string]any {
		return map[string]any{"project_id": float64(5), "body": "Reviewed by assistant", "confirm": confirm}
	}

	// confirm=true but no corroborating instruction in the user message
	env := r.Run(ctx, "add_project_comment", Invocation{
		User:        editorUser(),
		Args:        args(true),
		UserMessage: "what is the QC status?",
	})
	if env.OK {
		t.Error("Expected refusal without corroborating user message")
	}
	if !strings.Contains(env.Error, "explicitly ask") {
		t.Errorf("Expected corroboration error, got %q", env.Error)
	}

	// corroborating message but confirm missing
	env = r.Run(ctx, "add_project_comment", Invocation{
		User:        editorUser(),
		Args:        args(false),
		UserMessage: "please save a comment on the QC project",
	})
	if env.OK {
		t.Error("Expected refusal without confirm=true")
	}
	if !strings.Contains(env.Error, "confirm=true") {
		t.Errorf("Expected confirm error, got %q", env.Error)
	}

	// both conditions hold
	env = r.Run(ctx, "add_project_comment", Invocation{
		User:        editorUser(),
		Args:        args(true),
		UserMessage: "please save a comment on the QC project",
	})
	if !env.OK {
		t.Fatalf("Expected success, got error %q", env.Error)
	}
	if len(dom.comments) != 1 {
		t.Fatalf("Expected 1 comment row, got %d", len(dom.comments))
	}
	author := dom.comments[0].AuthorID

	// repeated call reuses the same assistant person
	env = r.Run(ctx, "add_project_comment", Invocation{
		User:        editorUser(),
		Args:        args(true),
		UserMessage: "record a note on this project too",
	})
	if !env.OK {
		t.Fatalf("Expected success on second call, got error %q", env.Error)
	}
	if dom.comments[1].AuthorID != author {
		t.Errorf("Expected reused assistant person %d, got %d", author, dom.comments[1].AuthorID)
	}
}

func TestSearchAPISchema(t *testing.T) {
	schema := `{
		"paths": {
			"/api/projects": {
				"get": {"summary": "List projects", "operationId": "listProjects"},
				"post": {"summary": "Create a project", "operationId": "createProject"}
			},
			"/api/people/{id}": {
				"get": {"summary": "Fetch a person", "operationId": "getPerson"}
			}
		}
	}`

	hits := searchAPISchema(schema, "projects", 5)
	if len(hits) != 2 {
		t.Fatalf("Expected 2 hits, got %d", len(hits))
	}
	for _, hit := range hits {
		if hit.Path != "/api/projects" {
			t.Errorf("Expected /api/projects, got %s", hit.Path)
		}
	}

	hits = searchAPISchema(schema, "person", 5)
	if len(hits) != 1 || hits[0].Method != "GET" {
		t.Fatalf("Expected one GET person hit, got %+v", hits)
	}

	if hits := searchAPISchema(schema, "", 5); hits != nil {
		t.Errorf("Expected no hits for empty query, got %+v", hits)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	env := Envelope{OK: true, Tool: "count_all_projects", Result: map[string]any{"count": 3}}
	got := env.JSON()
	if !strings.Contains(got, `"ok":true`) || !strings.Contains(got, `"tool":"count_all_projects"`) {
		t.Errorf("Unexpected envelope JSON: %s", got)
	}

	env = Envelope{Tool: "get_project", Error: "project 9 not found"}
	got = env.JSON()
	if !strings.Contains(got, `"ok":false`) || !strings.Contains(got, "not found") {
		t.Errorf("Unexpected error envelope JSON: %s", got)
	}
}
