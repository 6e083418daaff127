package packager

const (
	DiskName     = "disk"
	MemoryName   = "memory"
	ManifestName = "manifest.json"

	ManifestVersion = 1
)

var (
	KnownNames = []string{
		DiskName,
		MemoryName,

		ManifestName,
	}
)
