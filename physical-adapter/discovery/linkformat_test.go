package discovery_test

import (
	"testing"

	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/discovery"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/stretchr/testify/require"
)

func TestParseLinkFormat(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    []discovery.Link
		wantErr bool
	}{
		{
			name: "empty",
			data: "",
		},
		{
			name: "single",
			data: "</sensors/temp>;rt=\"temperature-c\";if=sensor;obs",
			want: []discovery.Link{{Target: "/sensors/temp", Params: map[string][]string{"rt": {"temperature-c"}, "if": {"sensor"}, "obs": {""}}}},
		},
		{
			name: "multiple with whitespace",
			data: "</a>;ct=0,\n </b> ; ct=\"0 50\" ; title=\"x, y\"",
			want: []discovery.Link{
				{Target: "/a", Params: map[string][]string{"ct": {"0"}}},
				{Target: "/b", Params: map[string][]string{"ct": {"0 50"}, "title": {"x, y"}}},
			},
		},
		{
			name: "escaped quote",
			data: `</a>;title="say \"hi\""`,
			want: []discovery.Link{{Target: "/a", Params: map[string][]string{"title": {`say "hi"`}}}},
		},
		{
			name:    "missing target",
			data:    "/a;rt=x",
			wantErr: true,
		},
		{
			name:    "unterminated target",
			data:    "</a;rt=x",
			wantErr: true,
		},
		{
			name:    "unterminated quote",
			data:    `</a>;rt="x`,
			wantErr: true,
		},
		{
			name:    "garbage after target",
			data:    "</a> x",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := discovery.ParseLinkFormat([]byte(tt.data))
			if tt.wantErr {
				require.ErrorIs(t, err, discovery.ErrInvalidLinkFormat)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLinkValues(t *testing.T) {
	links, err := discovery.ParseLinkFormat([]byte(`</a>;ct="0 x 50";ct=60;rt="a b"`))
	require.NoError(t, err)
	require.Len(t, links, 1)
	l := links[0]
	require.Equal(t, []message.MediaType{message.TextPlain, message.AppJSON, message.AppCBOR}, l.ContentFormats())
	require.Equal(t, "a", l.First("rt"))
	require.Equal(t, "", l.First("if"))
	require.False(t, l.Has("obs"))
}
