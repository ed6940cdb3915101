package definitions

import (
	kdefs "github.com/opst/kjobs/pkg/definitions"
)

type Detail struct {
	Name      string `json:"name"`
	Queue     string `json:"queue,omitempty"`
	Admission string `json:"admission"`

	// names of template arguments the definition requires.
	Arguments []string `json:"arguments"`
}

func ComposeDetail(d kdefs.Definition) Detail {
	args := d.Template.Placeholders()
	if args == nil {
		args = []string{}
	}
	return Detail{
		Name:      d.Name,
		Queue:     d.Queue,
		Admission: string(d.Admission),
		Arguments: args,
	}
}
