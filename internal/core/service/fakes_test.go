package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/melih/mlflow-ami/internal/core/domain"
)

// fakeCloud is a single-account image and instance provider.
type fakeCloud struct {
	mu        sync.Mutex
	selfID    string
	clock     time.Time
	seq       int
	images    []domain.MachineImage
	sources   []domain.MachineImage
	instances map[string]domain.Instance

	scripts      []string
	cleaned      []string
	provisionErr error
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		selfID:    "899075777617",
		clock:     time.Date(2019, 11, 24, 0, 0, 0, 0, time.UTC),
		instances: map[string]domain.Instance{},
	}
}

func (c *fakeCloud) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%04d", prefix, c.seq)
}

func (c *fakeCloud) tick() time.Time {
	c.clock = c.clock.Add(time.Minute)
	return c.clock
}

func (c *fakeCloud) LocateSources(ctx context.Context, f domain.ImageFilter) ([]domain.MachineImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.MachineImage
	for _, img := range c.sources {
		if f.Matches(img, c.selfID) {
			out = append(out, img)
		}
	}
	return out, nil
}

func (c *fakeCloud) Provision(ctx context.Context, source domain.MachineImage, script string) (domain.BuildHost, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	host := domain.BuildHost{ID: c.nextID("i-build"), SourceID: source.ID}
	c.scripts = append(c.scripts, script)
	if c.provisionErr != nil {
		return host, c.provisionErr
	}
	return host, nil
}

func (c *fakeCloud) Capture(ctx context.Context, host domain.BuildHost, spec domain.ImageSpec) (domain.MachineImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, img := range c.images {
		if img.Name == spec.Name && img.OwnerID == c.selfID {
			return domain.MachineImage{}, fmt.Errorf("InvalidAMIName.Duplicate: %s", spec.Name)
		}
	}
	img := domain.MachineImage{
		ID:                 c.nextID("ami"),
		Name:               spec.Name,
		OwnerID:            c.selfID,
		VirtualizationType: "hvm",
		RootDeviceType:     "ebs",
		CreatedAt:          c.tick(),
		SnapshotIDs:        []string{c.nextID("snap")},
	}
	for _, g := range spec.Groups {
		if g == domain.GroupAll {
			img.Public = true
		}
	}
	c.images = append(c.images, img)
	return img, nil
}

func (c *fakeCloud) Cleanup(ctx context.Context, host domain.BuildHost) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, host.ID)
	return nil
}

func (c *fakeCloud) ListImages(ctx context.Context, f domain.ImageFilter) ([]domain.MachineImage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.MachineImage
	for _, img := range c.images {
		if f.Matches(img, c.selfID) {
			out = append(out, img)
		}
	}
	return out, nil
}

func (c *fakeCloud) DeregisterImage(ctx context.Context, target domain.MachineImage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, img := range c.images {
		if img.ID == target.ID {
			c.images = append(c.images[:i], c.images[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (c *fakeCloud) LaunchInstance(ctx context.Context, img domain.MachineImage, spec domain.LaunchSpec) (domain.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst := domain.Instance{
		ID:             c.nextID("i"),
		ImageID:        img.ID,
		InstanceType:   spec.InstanceType,
		Name:           spec.Name,
		StartupCommand: spec.StartupCommand,
		State:          domain.InstancePending,
		SecurityGroups: spec.SecurityGroupIDs,
		LaunchedAt:     c.tick(),
	}
	c.instances[inst.ID] = inst
	return inst, nil
}

func (c *fakeCloud) ListInstances(ctx context.Context, name string) ([]domain.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Instance
	for _, inst := range c.instances {
		if inst.Name == name {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *fakeCloud) TerminateInstance(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[id]; !ok {
		return domain.ErrInstanceNotFound
	}
	delete(c.instances, id)
	return nil
}

func (c *fakeCloud) InstanceOutput(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return "", domain.ErrInstanceNotFound
	}
	return "+ " + inst.StartupCommand + "\n", nil
}

type memStore struct {
	mu      sync.Mutex
	builds  map[string]domain.BuildRecord
	deploys map[string]domain.DeployRecord
}

func newMemStore() *memStore {
	return &memStore{builds: map[string]domain.BuildRecord{}, deploys: map[string]domain.DeployRecord{}}
}

func (s *memStore) SaveBuild(ctx context.Context, r *domain.BuildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[r.ID] = *r
	return nil
}

func (s *memStore) GetBuild(ctx context.Context, id string) (*domain.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.builds[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *memStore) ListBuilds(ctx context.Context) ([]domain.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BuildRecord
	for _, r := range s.builds {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) SaveDeploy(ctx context.Context, r *domain.DeployRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deploys[r.ID] = *r
	return nil
}

func (s *memStore) GetDeploy(ctx context.Context, id string) (*domain.DeployRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.deploys[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &r, nil
}

func (s *memStore) ListDeploys(ctx context.Context) ([]domain.DeployRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeployRecord
	for _, r := range s.deploys {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

type event struct {
	subject string
	payload []byte
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event{subject: subject, payload: payload})
	return nil
}

type stubFetcher struct {
	script string
	got    []string
}

func (f *stubFetcher) FetchScript(ctx context.Context, repoURL, ref, path string) (string, error) {
	f.got = []string{repoURL, ref, path}
	return f.script, nil
}
