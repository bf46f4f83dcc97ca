package merge

import (
	"slices"
	"strings"

	"github.com/google/uuid"

	"calmerge/internal/config"
	"calmerge/internal/model"
)

// Transform builds the output event for one occurrence. Only the source's
// injected properties, its include allowlist, SUMMARY and STATUS reach the
// output; everything else on the occurrence is dropped.
func Transform(occ model.Occurrence, src *config.SourceConfig) model.Event {
	props := make(model.Properties, 0, len(src.Properties)+len(src.Include)+2)

	if src.Tentative {
		props = props.Set("STATUS", "TENTATIVE")
	}

	// Injected properties always win.
	names := make([]string, 0, len(src.Properties))
	for name := range src.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		props = props.Set(name, src.Properties[name])
	}

	for _, name := range src.Include {
		if props.Has(name) {
			continue
		}
		for _, p := range occ.Properties.All(name) {
			props = append(props, model.Property{
				Name:   strings.ToUpper(p.Name),
				Params: p.Params,
				Value:  p.Value,
			})
		}
	}

	if !props.Has("SUMMARY") {
		props = append(props, model.Property{Name: "SUMMARY", Value: src.EventName})
	}

	return model.Event{
		UID:        eventUID(src.URL, occ),
		AllDay:     occ.AllDay,
		Start:      occ.Start,
		End:        occ.End,
		Properties: props,
	}
}

// eventUID derives a stable identifier from the source and the instance so
// that clients see the same UID across refreshes.
func eventUID(sourceURL string, occ model.Occurrence) string {
	name := sourceURL + "\x00" + occ.UID + "\x00" + occ.InstanceKey
	if occ.UID == "" {
		// Without a UID, start and end are the best identity available.
		name += "\x00" + occ.End.UTC().Format("20060102T150405Z")
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String() + "@calmerge"
}
