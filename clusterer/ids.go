package clusterer

import (
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/royalcat/geocluster/geomodel"
)

const ClusterIDPrefix = "cluster:"

var clusterNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/royalcat/geocluster/cluster"))

// ClusterID derives an identifier from the set of member ids, so the same
// membership gets the same id on every pass regardless of member order.
func ClusterID(members []geomodel.Marker) string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	slices.Sort(ids)
	return ClusterIDPrefix + uuid.NewSHA1(clusterNamespace, []byte(strings.Join(ids, "\x00"))).String()
}

func IsClusterID(id string) bool {
	return strings.HasPrefix(id, ClusterIDPrefix)
}
