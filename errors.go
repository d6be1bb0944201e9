package stepgrid

import (
	"github.com/Southclaws/fault/ftag"

	intpat "github.com/cbegin/stepgrid-go/internal/pattern"
	intsrc "github.com/cbegin/stepgrid-go/internal/source"
)

// Error kinds attached to everything this package returns. Callers dispatch
// with ftag.Get(err); human-readable summaries travel alongside via fmsg.
const (
	// KindInvalidProjectData marks project JSON that is missing required
	// fields or malformed. Fatal to the load or play call that hit it.
	KindInvalidProjectData = intpat.KindInvalidData
	// KindResourceLoad marks a single channel source that failed to fetch or
	// decode. Never fatal: the channel plays silent.
	KindResourceLoad = intsrc.KindResourceLoad
	// KindUnsupportedContentType is the resource-load variant for responses
	// whose media type is neither audio nor embedded-audio JSON.
	KindUnsupportedContentType = intsrc.KindUnsupportedContentType
	// KindAllResourcesFailed marks a play call where no channel source could
	// be loaded at all. Fatal to that call; nothing is scheduled.
	KindAllResourcesFailed = ftag.Kind("all_resources_failed")
)

// IsResourceLoadError reports whether err is a per-channel load failure,
// counting the unsupported-content-type variant as one.
func IsResourceLoadError(err error) bool {
	return intsrc.IsResourceLoad(err)
}
