package cluster

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

var (
	clusterPattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9-]+$`)
	stereoPattern  = regexp.MustCompile(`^[a-z][a-z0-9-]+$`)
	nodeIDPattern  = regexp.MustCompile(`^[a-z0-9-]{4,}$`)
)

// Attribute names checked by Check.
const (
	AttrCluster = "cluster"
	AttrStereo  = "stereo"
	AttrNodeID  = "nodeId"
)

// Check validates value against the constraint of attr.
func Check(attr, value string) error {
	var pattern *regexp.Regexp
	switch attr {
	case AttrCluster:
		pattern = clusterPattern
	case AttrStereo:
		pattern = stereoPattern
	case AttrNodeID:
		pattern = nodeIDPattern
	default:
		return Invalidf("@attr[%s] is not supported!", attr)
	}
	if value == "" {
		return Invalidf("@%s (string) is required!", attr)
	}
	if !pattern.MatchString(value) {
		return Invalidf("@%s[%s] is not in valid format!", attr, value)
	}
	return nil
}

// EdgeID returns the edge id of a membership index: "E<idx>", or "N<-idx>"
// for negative indices.
func EdgeID(idx int64) string {
	if idx < 0 {
		return "N" + strconv.FormatInt(-idx, 10)
	}
	return "E" + strconv.FormatInt(idx, 10)
}

// ClusterID returns "cluster" or "cluster.stereo".
func ClusterID(cluster, stereo string) string {
	if stereo == "" {
		return cluster
	}
	return cluster + "." + stereo
}

// ParseClusterID splits a cluster id into its cluster and stereo parts.
func ParseClusterID(id string) (cluster, stereo string) {
	cluster, stereo, _ = strings.Cut(id, ".")
	return cluster, stereo
}

// DecodeConnectionID turns a gateway connection id (base64, URL or standard
// alphabet, padding optional) into the lowercase hex id used as the
// Connection record id.
func DecodeConnectionID(id string) (string, error) {
	if id == "" {
		return "", nil
	}
	s := strings.NewReplacer("-", "+", "_", "/").Replace(id)
	s = strings.TrimRight(s, "=")
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return "", Invalidf("@connectionId[%s] is invalid - %v", id, err)
	}
	return hex.EncodeToString(raw), nil
}
