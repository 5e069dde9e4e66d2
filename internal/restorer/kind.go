package restorer

import "github.com/supervisely-ecosystem/restore-archived-project/internal/errors"

// Kind is the closed set of project kinds a backup can restore into.
type Kind int

const (
	ImageProject Kind = iota
	VideoProject
	VolumeProject
	PointCloudProject
	PointCloudEpisodeProject
)

var kindNames = map[Kind]string{
	ImageProject:             "images",
	VideoProject:             "videos",
	VolumeProject:            "volumes",
	PointCloudProject:        "point_clouds",
	PointCloudEpisodeProject: "point_cloud_episodes",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps the platform's project-type tag onto a Kind.
func ParseKind(s string) (Kind, error) {
	for kind, name := range kindNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, errors.Errorf("unknown project type %q", s)
}
