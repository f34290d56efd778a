package domain

// ImageSpec describes the image a build registers.
type ImageSpec struct {
	Name        string
	Description string
	// Groups receive launch permission; GroupAll makes the image public.
	Groups []string
	Tags   map[string]string
}

// BuildHost is the ephemeral machine (or intermediate image) a build
// provisions before it is captured.
type BuildHost struct {
	ID       string
	SourceID string
}
