package mailer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	require.Equal(t, Version, info.Version)
	require.NotEmpty(t, info.GoVersion)
	require.True(t, strings.HasPrefix(info.UserAgent(), "mailgate/"+Version+" ("))
	require.True(t, info.IsDevBuild())

	var buf bytes.Buffer
	PrintVersion(&buf)
	require.True(t, strings.HasPrefix(buf.String(), "mailgate\nVersion: "+Version))
}
