package domain

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// OwnerSelf stands for the account the backend is authenticated as.
const OwnerSelf = "self"

// GroupAll shares an image with every account.
const GroupAll = "all"

// MachineImage represents a built machine image (an AMI on EC2, a committed
// image on Docker). Images are immutable once registered.
type MachineImage struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	OwnerID            string            `json:"owner_id"`
	VirtualizationType string            `json:"virtualization_type,omitempty"`
	RootDeviceType     string            `json:"root_device_type,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	SnapshotIDs        []string          `json:"snapshot_ids,omitempty"`
	Public             bool              `json:"public"`
	State              string            `json:"state,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
}

// ImageFilter selects images by name pattern, owner and device attributes.
// Empty fields match everything.
type ImageFilter struct {
	NamePattern        string   `json:"name_pattern" mapstructure:"name_pattern"`
	Owners             []string `json:"owners" mapstructure:"owners"`
	VirtualizationType string   `json:"virtualization_type" mapstructure:"virtualization_type"`
	RootDeviceType     string   `json:"root_device_type" mapstructure:"root_device_type"`
	MostRecent         bool     `json:"most_recent" mapstructure:"most_recent"`
}

// Matches reports whether img satisfies every criterion of the filter.
// selfID is the account that OwnerSelf resolves to.
func (f ImageFilter) Matches(img MachineImage, selfID string) bool {
	if f.NamePattern != "" && !MatchName(f.NamePattern, img.Name) {
		return false
	}
	if len(f.Owners) > 0 {
		owned := false
		for _, o := range f.Owners {
			if o == img.OwnerID || (o == OwnerSelf && selfID != "" && img.OwnerID == selfID) {
				owned = true
				break
			}
		}
		if !owned {
			return false
		}
	}
	if f.VirtualizationType != "" && f.VirtualizationType != img.VirtualizationType {
		return false
	}
	if f.RootDeviceType != "" && f.RootDeviceType != img.RootDeviceType {
		return false
	}
	return true
}

// MatchName applies an EC2 style name glob: '*' matches any run of
// characters (including '/'), '?' matches exactly one.
func MatchName(pattern, name string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	ok, err := regexp.MatchString(b.String(), name)
	return err == nil && ok
}

// SortNewestFirst orders images by creation time, newest first. Equal
// timestamps fall back to the greater ID first so ordering is stable.
func SortNewestFirst(images []MachineImage) {
	sort.SliceStable(images, func(i, j int) bool {
		if !images[i].CreatedAt.Equal(images[j].CreatedAt) {
			return images[i].CreatedAt.After(images[j].CreatedAt)
		}
		return images[i].ID > images[j].ID
	})
}

// SelectImage picks the image a filter resolves to.
// Zero candidates is ErrNoImage. Several candidates are only acceptable when
// the filter asks for the most recent one.
func SelectImage(f ImageFilter, candidates []MachineImage) (MachineImage, error) {
	switch {
	case len(candidates) == 0:
		return MachineImage{}, ErrNoImage
	case len(candidates) > 1 && !f.MostRecent:
		return MachineImage{}, ErrAmbiguousImage
	}
	sorted := make([]MachineImage, len(candidates))
	copy(sorted, candidates)
	SortNewestFirst(sorted)
	return sorted[0], nil
}
