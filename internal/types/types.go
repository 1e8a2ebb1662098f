package types

import "time"

// NoGroup is the group ID of a tab that is not in any tab group.
const NoGroup = -1

// Tab represents a single browser tab as reported by the extension.
type Tab struct {
	ID       int
	WindowID int
	GroupID  int // NoGroup if ungrouped
	Index    int
	URL      string
	Title    string
	Pinned   bool
	Status   string // "loading", "complete"
}

// Grouped reports whether the tab currently belongs to a tab group.
func (t *Tab) Grouped() bool {
	return t.GroupID != NoGroup && t.GroupID != 0
}

// TabGroup represents a browser-native tab group.
type TabGroup struct {
	ID        int
	WindowID  int
	Title     string
	Color     string
	Collapsed bool
}

// PageType distinguishes the editor surface from preview pages.
type PageType string

const (
	PageEditor  PageType = "editor"
	PagePreview PageType = "preview"
)

// Identity is what a tab's URL says it belongs to.
type Identity struct {
	AppID     string
	VersionID string
	PageType  PageType
	Hostname  string
}

// BranchKey returns the (app, version) pair of the identity.
func (id Identity) BranchKey() BranchKey {
	return BranchKey{AppID: id.AppID, VersionID: id.VersionID}
}

// BranchKey identifies a branch: the unit titles, colors and display names
// are attached to.
type BranchKey struct {
	AppID     string
	VersionID string
}

// String renders the key the way it is persisted: "appId:versionId".
func (k BranchKey) String() string {
	return k.AppID + ":" + k.VersionID
}

// Group colors supported by the host.
const (
	ColorGrey   = "grey"
	ColorBlue   = "blue"
	ColorRed    = "red"
	ColorYellow = "yellow"
	ColorGreen  = "green"
	ColorPink   = "pink"
	ColorPurple = "purple"
	ColorCyan   = "cyan"
	ColorOrange = "orange"
)

var validColors = map[string]bool{
	ColorGrey: true, ColorBlue: true, ColorRed: true, ColorYellow: true, ColorGreen: true,
	ColorPink: true, ColorPurple: true, ColorCyan: true, ColorOrange: true,
}

// ValidColor reports whether c is a color the host accepts.
func ValidColor(c string) bool {
	return validColors[c]
}

// GroupMapping records that a host tab group was created for (or confirmed
// to belong to) an identity in a window.
type GroupMapping struct {
	GroupID    int
	AppID      string
	VersionID  string
	WindowID   int
	LastSeenAt time.Time
}

// Branch holds the per-(app, version) naming and color data.
type Branch struct {
	AppID       string
	VersionID   string
	ScrapedName string
	DisplayName string // user override, highest title priority
	Color       string
	UpdatedAt   time.Time
}

// App holds the domains an app has been seen on.
type App struct {
	AppID       string
	BaseURLs    []string
	URLLastSeen map[string]time.Time
	UpdatedAt   time.Time
}

// Stats holds aggregate registry counts.
type Stats struct {
	Tabs    int
	Windows int
	Apps    int
}
