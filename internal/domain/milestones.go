package domain

// Milestone is a named checkpoint of a kind-specific generation pipeline
type Milestone struct {
	Name     string
	Progress int
}

var milestoneCatalogue = map[JobKind][]Milestone{
	JobKindImage: {
		{Name: "queued", Progress: 0},
		{Name: "rendering", Progress: 50},
		{Name: "upscaling", Progress: 80},
		{Name: "finalizing", Progress: 95},
	},
	JobKindVideo: {
		{Name: "queued", Progress: 0},
		{Name: "storyboard_generated", Progress: 20},
		{Name: "frames_rendered", Progress: 60},
		{Name: "encoding", Progress: 85},
		{Name: "finalizing", Progress: 95},
	},
	JobKindBlog: {
		{Name: "queued", Progress: 0},
		{Name: "outline_generated", Progress: 25},
		{Name: "draft_written", Progress: 60},
		{Name: "editing", Progress: 85},
		{Name: "finalizing", Progress: 95},
	},
	JobKindBook: {
		{Name: "queued", Progress: 0},
		{Name: "outline_generated", Progress: 25},
		{Name: "chapters_written", Progress: 60},
		{Name: "cover_generated", Progress: 80},
		{Name: "finalizing", Progress: 90},
	},
}

// Milestones returns the ordered milestone catalogue for a kind
func Milestones(kind JobKind) []Milestone {
	return milestoneCatalogue[kind]
}

// InferMilestone picks the furthest catalogue milestone reached at the given progress
func InferMilestone(kind JobKind, progress int) string {
	name := ""
	for _, m := range milestoneCatalogue[kind] {
		if progress >= m.Progress {
			name = m.Name
		}
	}
	return name
}
