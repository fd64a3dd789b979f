package registry

import (
	"sort"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/resource"
)

type entry struct {
	// key is the normalised URI, so coap://h/x and coap://h:5683/x are one resource
	key  string
	desc resource.Descriptor
}

func key(uri string) string {
	ep, err := resource.ParseURI(uri)
	if err != nil {
		return uri
	}
	return ep.String()
}

// descriptors is kept sorted by key.
type descriptors []entry

func (d descriptors) search(key string) int {
	return sort.Search(len(d), func(i int) bool {
		return d[i].key >= key
	})
}

func (d descriptors) find(key string) (int, bool) {
	i := d.search(key)
	return i, i < len(d) && d[i].key == key
}

func (d descriptors) insertAt(i int, v entry) descriptors {
	d = append(d, entry{})
	copy(d[i+1:], d[i:])
	d[i] = v
	return d
}

func (d descriptors) removeAt(i int) descriptors {
	copy(d[i:], d[i+1:])
	d[len(d)-1] = entry{}
	return d[:len(d)-1]
}
