package mirror

import (
	"regexp"
	"strings"
)

const provenancePrefix = "Original board: "

var provenancePattern = regexp.MustCompile(`^Original board: (.*)$`)

// Provenance records which source board a mirrored card came from. On the
// wire it is the first line of the mirror's description.
type Provenance struct {
	SourceBoardName string
}

// FormatDescription builds a mirror description for a card from boardName.
func FormatDescription(boardName, desc string) string {
	return provenancePrefix + boardName + "\n\n" + desc
}

// ParseProvenance reads the marker from the first line of desc.
func ParseProvenance(desc string) (Provenance, bool) {
	firstLine, _, _ := strings.Cut(desc, "\n")
	firstLine = strings.TrimRight(firstLine, "\r")
	match := provenancePattern.FindStringSubmatch(firstLine)
	if match == nil {
		return Provenance{}, false
	}
	name := strings.TrimSpace(match[1])
	if name == "" {
		return Provenance{}, false
	}
	return Provenance{SourceBoardName: name}, true
}
