package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/permission"
	"github.com/voxchat/voxd/internal/space"
)

// fakeSpaceRepo implements both space.Repository and space.CategoryRepository for handler tests.
type fakeSpaceRepo struct {
	nextSpaceID    int64
	nextCategoryID int64
	spaces         map[int64]*space.Space
	categories     map[int64]*space.Category
}

func newFakeSpaceRepo() *fakeSpaceRepo {
	return &fakeSpaceRepo{
		spaces:     make(map[int64]*space.Space),
		categories: make(map[int64]*space.Category),
	}
}

func (r *fakeSpaceRepo) List(_ context.Context) ([]space.Space, error) {
	out := make([]space.Space, 0, len(r.spaces))
	for _, s := range r.spaces {
		out = append(out, *s)
	}
	return out, nil
}

func (r *fakeSpaceRepo) GetByID(_ context.Context, id int64) (*space.Space, error) {
	s, ok := r.spaces[id]
	if !ok {
		return nil, space.ErrNotFound
	}
	cpy := *s
	return &cpy, nil
}

func (r *fakeSpaceRepo) Create(_ context.Context, params space.CreateParams, maxSpaces int) (*space.Space, error) {
	if len(r.spaces) >= maxSpaces {
		return nil, space.ErrMaxSpacesReached
	}
	r.nextSpaceID++
	s := &space.Space{ID: r.nextSpaceID, Kind: params.Kind, Name: params.Name, CategoryID: params.CategoryID, Position: len(r.spaces)}
	r.spaces[s.ID] = s
	return s, nil
}

func (r *fakeSpaceRepo) Update(_ context.Context, id int64, params space.UpdateParams) (*space.Space, error) {
	s, ok := r.spaces[id]
	if !ok {
		return nil, space.ErrNotFound
	}
	if params.Name != nil {
		s.Name = *params.Name
	}
	if params.SetCategoryNull {
		s.CategoryID = nil
	} else if params.CategoryID != nil {
		s.CategoryID = params.CategoryID
	}
	if params.Position != nil {
		s.Position = *params.Position
	}
	cpy := *s
	return &cpy, nil
}

func (r *fakeSpaceRepo) Delete(_ context.Context, id int64) error {
	if _, ok := r.spaces[id]; !ok {
		return space.ErrNotFound
	}
	delete(r.spaces, id)
	return nil
}

func (r *fakeSpaceRepo) ListCategories(_ context.Context) ([]space.Category, error) {
	out := make([]space.Category, 0, len(r.categories))
	for _, c := range r.categories {
		out = append(out, *c)
	}
	return out, nil
}

func (r *fakeSpaceRepo) GetCategoryByID(_ context.Context, id int64) (*space.Category, error) {
	c, ok := r.categories[id]
	if !ok {
		return nil, space.ErrCategoryNotFound
	}
	cpy := *c
	return &cpy, nil
}

func (r *fakeSpaceRepo) CreateCategory(_ context.Context, params space.CategoryCreateParams, maxCategories int) (*space.Category, error) {
	if len(r.categories) >= maxCategories {
		return nil, space.ErrMaxSpacesReached
	}
	r.nextCategoryID++
	c := &space.Category{ID: r.nextCategoryID, Name: params.Name, Position: len(r.categories)}
	r.categories[c.ID] = c
	return c, nil
}

func (r *fakeSpaceRepo) UpdateCategory(_ context.Context, id int64, params space.CategoryUpdateParams) (*space.Category, error) {
	c, ok := r.categories[id]
	if !ok {
		return nil, space.ErrCategoryNotFound
	}
	if params.Name != nil {
		c.Name = *params.Name
	}
	if params.Position != nil {
		c.Position = *params.Position
	}
	cpy := *c
	return &cpy, nil
}

func (r *fakeSpaceRepo) DeleteCategory(_ context.Context, id int64) error {
	if _, ok := r.categories[id]; !ok {
		return space.ErrCategoryNotFound
	}
	delete(r.categories, id)
	return nil
}

func newTestSpaceApp(callerID int64, store *fakePermissionStore) (*fiber.App, *fakeSpaceRepo) {
	repo := newFakeSpaceRepo()
	dispatcher, _ := newTestDispatcher()
	handler := NewSpaceHandler(repo, repo, newTestResolver(store), dispatcher, 50, zerolog.Nop())

	app := fiber.New()
	app.Use(func(c fiber.Ctx) error {
		c.Locals(auth.UserIDLocal, callerID)
		return c.Next()
	})
	app.Get("/api/v1/spaces", handler.ListSpaces)
	app.Post("/api/v1/spaces", handler.CreateSpace)
	app.Get("/api/v1/spaces/:spaceID", handler.GetSpace)
	app.Patch("/api/v1/spaces/:spaceID", handler.UpdateSpace)
	app.Delete("/api/v1/spaces/:spaceID", handler.DeleteSpace)
	app.Get("/api/v1/categories", handler.ListCategories)
	app.Post("/api/v1/categories", handler.CreateCategory)
	app.Patch("/api/v1/categories/:categoryID", handler.UpdateCategory)
	app.Delete("/api/v1/categories/:categoryID", handler.DeleteCategory)
	return app, repo
}

func TestSpaceCreateAndGet(t *testing.T) {
	t.Parallel()

	store := newFakePermissionStore()
	store.everyone = permission.ViewSpace
	app, repo := newTestSpaceApp(1, store)

	body := strings.NewReader(`{"kind":"feed","name":"general"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/spaces", body)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if len(repo.spaces) != 1 {
		t.Fatalf("len(spaces) = %d, want 1", len(repo.spaces))
	}

	var id int64
	for existingID := range repo.spaces {
		id = existingID
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/spaces/"+strconv.FormatInt(id, 10), nil)
	getResp, err := app.Test(getReq, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = getResp.Body.Close() }()

	if getResp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want %d", getResp.StatusCode, http.StatusOK)
	}
}

func TestSpaceGetForbiddenWithoutViewPermission(t *testing.T) {
	t.Parallel()

	store := newFakePermissionStore()
	app, repo := newTestSpaceApp(1, store)

	s := &space.Space{ID: 1, Kind: space.Feed, Name: "locked"}
	repo.spaces[s.ID] = s

	req := httptest.NewRequest(http.MethodGet, "/api/v1/spaces/1", nil)
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestSpaceListFiltersInvisible(t *testing.T) {
	t.Parallel()

	store := newFakePermissionStore()
	app, repo := newTestSpaceApp(1, store)

	repo.spaces[1] = &space.Space{ID: 1, Kind: space.Feed, Name: "locked"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/spaces", nil)
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) != 0 {
		t.Errorf("len(data) = %d, want 0", len(out.Data))
	}
}

func TestCategoryCreateUpdateDelete(t *testing.T) {
	t.Parallel()

	store := newFakePermissionStore()
	app, repo := newTestSpaceApp(1, store)

	createBody := strings.NewReader(`{"name":"Text Channels"}`)
	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/categories", createBody)
	createReq.Header.Set("Content-Type", "application/json")
	createResp, err := app.Test(createReq, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	_ = createResp.Body.Close()
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", createResp.StatusCode, http.StatusCreated)
	}
	if len(repo.categories) != 1 {
		t.Fatalf("len(categories) = %d, want 1", len(repo.categories))
	}

	var id int64
	for existingID := range repo.categories {
		id = existingID
	}

	deleteReq := httptest.NewRequest(http.MethodDelete, "/api/v1/categories/"+strconv.FormatInt(id, 10), nil)
	deleteResp, err := app.Test(deleteReq, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	_ = deleteResp.Body.Close()
	if deleteResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", deleteResp.StatusCode, http.StatusNoContent)
	}
}
