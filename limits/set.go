package limits

// Caps carries the per-resource limits for the standard resource set.
type Caps struct {
	Downloads     Limits
	WebRequests   Limits
	VFS           Limits
	FileHashing   Limits
	FileExtractor Limits
	Installer     Limits
}

// Set bundles the named resources the installer threads through its
// collaborators. User intervention is always serialised to one slot.
type Set struct {
	Downloads        *Resource
	WebRequests      *Resource
	VFS              *Resource
	FileHashing      *Resource
	FileExtractor    *Resource
	Installer        *Resource
	UserIntervention *Resource
}

// NewSet constructs the standard resource set from caps.
func NewSet(caps Caps, opts ...Option) *Set {
	return &Set{
		Downloads:        NewResource("Downloads", caps.Downloads, opts...),
		WebRequests:      NewResource("Web Requests", caps.WebRequests, opts...),
		VFS:              NewResource("VFS", caps.VFS, opts...),
		FileHashing:      NewResource("File Hashing", caps.FileHashing, opts...),
		FileExtractor:    NewResource("File Extractor", caps.FileExtractor, opts...),
		Installer:        NewResource("Installer", caps.Installer, opts...),
		UserIntervention: NewResource("User Intervention", Limits{MaxTasks: 1}, opts...),
	}
}

// All returns the resources in a stable order.
func (s *Set) All() []*Resource {
	return []*Resource{
		s.Downloads, s.WebRequests, s.VFS, s.FileHashing,
		s.FileExtractor, s.Installer, s.UserIntervention,
	}
}

// StatusReports snapshots every resource in the set.
func (s *Set) StatusReports() []Status {
	all := s.All()
	out := make([]Status, 0, len(all))
	for _, r := range all {
		out = append(out, r.StatusReport())
	}
	return out
}

// Close shuts down every resource in the set.
func (s *Set) Close() {
	for _, r := range s.All() {
		r.Close()
	}
}
