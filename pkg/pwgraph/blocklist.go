package pwgraph

import (
	"strings"

	"github.com/thoas/go-funk"
)

// prefix of the filter nodes our own effect chains create
const filterNamePrefix = "pwgraph_"

// media classes mirrored into the model. Anything else is dropped at announce time
var trackedMediaClasses = []string{
	MediaClassSink,
	MediaClassSource,
	MediaClassVirtualSource,
	MediaClassOutputStream,
	MediaClassInputStream,
}

// nodes of our own level meters and analyzers never enter the model
var ignoredNodeNameFragments = []string{"output_level", "spectrum"}

func roleBlocklisted(bl Blocklists, role string) bool {
	return funk.ContainsString(bl.MediaRoles, role)
}

func nameBlocklisted(bl Blocklists, name string) bool {
	if funk.ContainsString(bl.NodeNames, name) {
		return true
	}

	for _, fragment := range ignoredNodeNameFragments {
		if strings.Contains(name, fragment) {
			return true
		}
	}

	return false
}

func appIDBlocklisted(bl Blocklists, appID string) bool {
	return funk.ContainsString(bl.AppIDs, appID)
}

// isOwnFilter reports whether the announced props describe a DSP filter node of ours
func isOwnFilter(props Props) bool {
	if props.Get(keyMediaRole) != "DSP" || props.Get(keyMediaCategory) != "Filter" {
		return false
	}

	name := props.Get(keyNodeName)

	return len(name) > len(filterNamePrefix) && strings.HasPrefix(name, filterNamePrefix)
}

// userBlocklisted applies the user's per direction stream blocklists
func userBlocklisted(bl Blocklists, node Node) bool {
	var list []string

	switch node.MediaClass {
	case MediaClassOutputStream:
		list = bl.OutputStreams
	case MediaClassInputStream:
		list = bl.InputStreams
	default:
		return false
	}

	if node.ApplicationID != "" && funk.ContainsString(list, node.ApplicationID) {
		return true
	}

	return funk.ContainsString(list, node.Name)
}

func trackedMediaClass(mediaClass string) bool {
	return funk.ContainsString(trackedMediaClasses, mediaClass)
}
