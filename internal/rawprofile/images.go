package rawprofile

import (
	"sort"
	"sync"
)

// imageIndex is the per-process view of loaded images, sorted by base
// address for range lookups.
type imageIndex struct {
	once    sync.Once
	images  []*Image
	maxSize uint64
}

func (p *Profile) buildImageIndex(pid int) *imageIndex {
	idx := &imageIndex{}
	if v, loaded := p.ipIndex.LoadOrStore(pid, idx); loaded {
		idx = v.(*imageIndex)
	}
	idx.once.Do(func() {
		proc, ok := p.processes[pid]
		if !ok {
			return
		}
		idx.images = make([]*Image, 0, len(proc.ImageIDs))
		for _, id := range proc.ImageIDs {
			img := p.FindImage(id)
			if img == nil {
				continue
			}
			idx.images = append(idx.images, img)
			if img.Size > idx.maxSize {
				idx.maxSize = img.Size
			}
		}
		sort.SliceStable(idx.images, func(i, j int) bool {
			return idx.images[i].BaseAddress < idx.images[j].BaseAddress
		})
	})
	return idx
}

// FindImageForIP returns the image containing ip in the process of the
// given context.
func (p *Profile) FindImageForIP(ip uint64, c Context) *Image {
	return p.FindImageForIPInProcess(ip, c.ProcessID)
}

// FindImageForIPInProcess returns the image of process pid whose
// [BaseAddress, BaseAddress+Size) range contains ip. When ranges overlap the
// image with the lowest base address wins.
func (p *Profile) FindImageForIPInProcess(ip uint64, pid int) *Image {
	idx := p.buildImageIndex(pid)
	images := idx.images
	i := sort.Search(len(images), func(i int) bool {
		return images[i].BaseAddress > ip
	})
	var found *Image
	for j := i - 1; j >= 0; j-- {
		img := images[j]
		if ip-img.BaseAddress >= idx.maxSize {
			break
		}
		if img.HasAddress(ip) {
			found = img
		}
	}
	return found
}
