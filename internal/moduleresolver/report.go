package moduleresolver

import (
	"sort"
	"sync"
)

type ModuleStatus struct {
	ImageID         int    `json:"image_id"`
	ModuleName      string `json:"module"`
	BinaryFound     bool   `json:"binary_found"`
	BinaryPath      string `json:"binary_path,omitempty"`
	DebugInfoLoaded bool   `json:"debug_info_loaded"`
	DebugFilePath   string `json:"debug_file_path,omitempty"`
	Details         string `json:"details,omitempty"`
}

// Report records how the module of every image was resolved.
type Report struct {
	mu      sync.Mutex
	modules map[int]ModuleStatus
}

func NewReport() *Report {
	return &Report{modules: make(map[int]ModuleStatus)}
}

func (r *Report) add(s ModuleStatus) {
	r.mu.Lock()
	r.modules[s.ImageID] = s
	r.mu.Unlock()
}

// Modules returns the recorded statuses ordered by module name.
func (r *Report) Modules() []ModuleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	modules := make([]ModuleStatus, 0, len(r.modules))
	for _, s := range r.modules {
		modules = append(modules, s)
	}
	sort.Slice(modules, func(i, j int) bool {
		if modules[i].ModuleName == modules[j].ModuleName {
			return modules[i].ImageID < modules[j].ImageID
		}
		return modules[i].ModuleName < modules[j].ModuleName
	})
	return modules
}
