package resource

// NewBundle wraps items in a bundle, flattening nested bundles.
func NewBundle(items ...Resource) Resource {
	return Resource{
		Type:  TypeBundle,
		Items: Flatten(items...),
	}
}

// Flatten expands bundles of bundles into a single ordered list.
// Non-bundle resources are returned as-is, in their original order.
func Flatten(items ...Resource) []Resource {
	out := make([]Resource, 0, len(items))
	for _, item := range items {
		if item.IsBundle() {
			out = append(out, Flatten(item.Items...)...)
			continue
		}
		out = append(out, item)
	}
	return out
}

// Members returns the resources carried by r: the flattened items of a
// bundle, or r itself.
func Members(r Resource) []Resource {
	if r.IsBundle() {
		return Flatten(r.Items...)
	}
	return []Resource{r}
}
