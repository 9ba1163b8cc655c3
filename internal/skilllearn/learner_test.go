package skilllearn

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/acontexthq/acontext/internal/agent"
	"github.com/acontexthq/acontext/internal/apperr"
	"github.com/acontexthq/acontext/internal/store"
	"github.com/acontexthq/acontext/pkg/models"
)

type fakeBlob struct {
	lastFilename string
	lastData     []byte
}

func (f *fakeBlob) PutContent(ctx context.Context, projectID uuid.UUID, filename string, data []byte) (models.AssetMeta, error) {
	f.lastFilename = filename
	f.lastData = data
	return models.AssetMeta{Bucket: "test", S3Key: "k/" + filename, Mime: "text/markdown", Size: int64(len(data)), Content: string(data)}, nil
}

func newLearnerScope(t *testing.T) (*Scope, sqlmock.Sqlmock, *fakeBlob) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	blob := &fakeBlob{}
	return &Scope{
		Tx:        store.New(db, nil),
		State:     &agent.State{HasReportedThinking: true},
		Blob:      blob,
		ProjectID: uuid.New(),
		SpaceID:   uuid.New(),
		Skills:    map[string]*SkillInfo{},
	}, mock, blob
}

func addSkill(scope *Scope, name string) *SkillInfo {
	info := &SkillInfo{
		Skill: &models.AgentSkill{
			ID:          uuid.New(),
			Name:        name,
			Description: "existing description",
			DiskID:      uuid.New(),
		},
		FilePaths: []string{SkillFilename},
	}
	scope.Skills[name] = info
	return info
}

func learnerTool(t *testing.T, name string) agent.Tool[*Scope] {
	t.Helper()
	for _, tool := range learnerTools() {
		if tool.Def.Name == name {
			return tool
		}
	}
	t.Fatalf("no learner tool %q", name)
	return agent.Tool[*Scope]{}
}

func artifactRows(t *testing.T, diskID uuid.UUID, path, filename, content string) *sqlmock.Rows {
	t.Helper()
	asset, err := json.Marshal(models.AssetMeta{Mime: "text/markdown", Content: content})
	if err != nil {
		t.Fatalf("marshal asset: %v", err)
	}
	return sqlmock.NewRows([]string{
		"id", "disk_id", "path", "filename", "asset_meta", "meta", "created_at", "updated_at",
	}).AddRow(uuid.New(), diskID, path, filename, asset, []byte(`{}`), time.Now().UTC(), time.Now().UTC())
}

func TestMutatingToolsRequireThinking(t *testing.T) {
	scope, _, _ := newLearnerScope(t)
	scope.State.HasReportedThinking = false
	addSkill(scope, "web-scraping")

	for _, name := range []string{
		"str_replace_skill_file",
		"create_skill_file",
		"create_skill",
		"mv_skill_file",
		"delete_skill_file",
	} {
		_, err := learnerTool(t, name).Handle(context.Background(), scope, map[string]any{})
		if !apperr.IsCode(err, apperr.CodeForbidden) {
			t.Errorf("%s before report_thinking: expected FORBIDDEN, got %v", name, err)
		}
	}
}

func TestStrReplaceRejectsSkillNameChange(t *testing.T) {
	scope, mock, _ := newLearnerScope(t)
	info := addSkill(scope, "web-scraping")

	content := "---\nname: web-scraping\ndescription: Scrape web pages\n---\n# Web scraping\n"
	mock.ExpectQuery(`SELECT .+ FROM artifacts`).
		WillReturnRows(artifactRows(t, info.Skill.DiskID, "/", SkillFilename, content))

	_, err := learnerTool(t, "str_replace_skill_file").Handle(context.Background(), scope, map[string]any{
		"name": "web-scraping",
		"path": SkillFilename,
		"old":  "name: web-scraping",
		"new":  "name: scraping",
	})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN on name change, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStrReplaceRequiresUniqueMatch(t *testing.T) {
	scope, mock, _ := newLearnerScope(t)
	info := addSkill(scope, "web-scraping")
	tool := learnerTool(t, "str_replace_skill_file")
	args := map[string]any{"name": "web-scraping", "path": "notes.md", "new": "x"}

	mock.ExpectQuery(`SELECT .+ FROM artifacts`).
		WillReturnRows(artifactRows(t, info.Skill.DiskID, "/", "notes.md", "alpha beta alpha"))
	args["old"] = "alpha"
	if _, err := tool.Handle(context.Background(), scope, args); !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("ambiguous match: expected BAD_REQUEST, got %v", err)
	}

	mock.ExpectQuery(`SELECT .+ FROM artifacts`).
		WillReturnRows(artifactRows(t, info.Skill.DiskID, "/", "notes.md", "alpha beta alpha"))
	args["old"] = "gamma"
	if _, err := tool.Handle(context.Background(), scope, args); !apperr.IsCode(err, apperr.CodeBadRequest) {
		t.Fatalf("absent match: expected BAD_REQUEST, got %v", err)
	}
}

func TestStrReplaceUpdatesFile(t *testing.T) {
	scope, mock, blob := newLearnerScope(t)
	info := addSkill(scope, "web-scraping")

	mock.ExpectQuery(`SELECT .+ FROM artifacts`).
		WillReturnRows(artifactRows(t, info.Skill.DiskID, "/", "notes.md", "hello world"))
	mock.ExpectQuery(`INSERT INTO artifacts`).
		WillReturnRows(artifactRows(t, info.Skill.DiskID, "/", "notes.md", "hello there"))

	result, err := learnerTool(t, "str_replace_skill_file").Handle(context.Background(), scope, map[string]any{
		"name": "web-scraping",
		"path": "notes.md",
		"old":  "world",
		"new":  "there",
	})
	if err != nil {
		t.Fatalf("str_replace: %v", err)
	}
	if result != agent.OKResult {
		t.Fatalf("result = %q", result)
	}
	if string(blob.lastData) != "hello there" {
		t.Fatalf("uploaded content = %q", blob.lastData)
	}
}

func TestCreateSkillFileRejectsSkillMD(t *testing.T) {
	scope, _, _ := newLearnerScope(t)
	addSkill(scope, "web-scraping")

	_, err := learnerTool(t, "create_skill_file").Handle(context.Background(), scope, map[string]any{
		"name":    "web-scraping",
		"path":    SkillFilename,
		"content": "anything",
	})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestMvSkillFileGuardsSkillMD(t *testing.T) {
	scope, _, _ := newLearnerScope(t)
	addSkill(scope, "web-scraping")
	tool := learnerTool(t, "mv_skill_file")

	_, err := tool.Handle(context.Background(), scope, map[string]any{
		"name": "web-scraping", "src": SkillFilename, "dst": "docs/readme.md",
	})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("moving SKILL.md: expected FORBIDDEN, got %v", err)
	}

	_, err = tool.Handle(context.Background(), scope, map[string]any{
		"name": "web-scraping", "src": "docs/readme.md", "dst": SkillFilename,
	})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("overwriting SKILL.md: expected FORBIDDEN, got %v", err)
	}
}

func TestDeleteSkillFileRejectsSkillMD(t *testing.T) {
	scope, _, _ := newLearnerScope(t)
	addSkill(scope, "web-scraping")

	_, err := learnerTool(t, "delete_skill_file").Handle(context.Background(), scope, map[string]any{
		"name": "web-scraping", "path": SkillFilename,
	})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestCreateSkillRejectsDuplicateName(t *testing.T) {
	scope, _, _ := newLearnerScope(t)
	addSkill(scope, "web-scraping")

	// "web scraping" sanitizes to the existing "web-scraping".
	_, err := learnerTool(t, "create_skill").Handle(context.Background(), scope, map[string]any{
		"skill_md_content": "---\nname: web scraping\ndescription: Scrape pages\n---\nbody\n",
	})
	if !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestGetSkillUnknownIsNotFound(t *testing.T) {
	scope, _, _ := newLearnerScope(t)

	_, err := learnerTool(t, "get_skill").Handle(context.Background(), scope, map[string]any{"name": "nope"})
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetSkillRendersInventory(t *testing.T) {
	scope, _, _ := newLearnerScope(t)
	info := addSkill(scope, "web-scraping")
	info.FilePaths = append(info.FilePaths, "scripts/fetch.py")

	out, err := learnerTool(t, "get_skill").Handle(context.Background(), scope, map[string]any{"name": "web-scraping"})
	if err != nil {
		t.Fatalf("get_skill: %v", err)
	}
	for _, want := range []string{"existing description", "- SKILL.md", "- scripts/fetch.py"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSkillFilePathRejected(t *testing.T) {
	scope, _, _ := newLearnerScope(t)
	addSkill(scope, "web-scraping")

	for _, path := range []string{"", "/etc/passwd", "a//b"} {
		_, err := learnerTool(t, "get_skill_file").Handle(context.Background(), scope, map[string]any{
			"name": "web-scraping", "path": path,
		})
		if !apperr.IsCode(err, apperr.CodeBadRequest) {
			t.Errorf("path %q: expected BAD_REQUEST, got %v", path, err)
		}
	}

	_, err := learnerTool(t, "get_skill_file").Handle(context.Background(), scope, map[string]any{
		"name": "web-scraping", "path": "../escape.md",
	})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("traversal path: expected FORBIDDEN, got %v", err)
	}
}
