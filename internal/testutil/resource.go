package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/medsync/internal/resource"
)

// Resource builds a minimal valid resource with a JSON body.
func Resource(typ, key string, rels ...resource.Relationship) resource.Resource {
	body, _ := json.Marshal(map[string]string{"id": key, "type": typ})
	return resource.Resource{
		Type:          resource.Type(typ),
		Key:           resource.Key(key),
		Version:       "1",
		Body:          body,
		Relationships: rels,
	}
}

// Patients builds n patients keyed p1..pn.
func Patients(n int) []resource.Resource {
	out := make([]resource.Resource, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Resource("Patient", fmt.Sprintf("p%d", i)))
	}
	return out
}
