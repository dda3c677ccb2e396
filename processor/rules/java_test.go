package rules

import (
	"testing"

	"crashmill/common/format/crash"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const javaTrace = "Exception: msg with user@example.com\n" +
	"\tat org.File.function(File.java:100)\n" +
	"\tat org.File.function2(File.java:200)\n"

func TestParseJavaStackTrace(t *testing.T) {
	exc, err := ParseJavaStackTrace(javaTrace)
	require.NoError(t, err)
	assert.Equal(t, "Exception", exc.Class)
	assert.Equal(t, "msg with user@example.com", exc.Message)
	assert.Equal(t, []string{
		"at org.File.function(File.java:100)",
		"at org.File.function2(File.java:200)",
	}, exc.Stack)
	assert.Empty(t, exc.Additional)
}

func TestParseJavaStackTraceMultilineMessage(t *testing.T) {
	exc, err := ParseJavaStackTrace("android.database.sqlite.SQLiteDatabaseLockedException: database is locked (code 5)\n" +
		"####\n" +
		"Error Code : 5 (SQLITE_BUSY)\n" +
		"\t(database is locked (code 5))\n" +
		"\n" +
		"\tat android.database.sqlite.SQLiteConnection.nativeExecuteForChangedRowCount(Native Method)\n")
	require.NoError(t, err)
	assert.Equal(t, "android.database.sqlite.SQLiteDatabaseLockedException", exc.Class)
	assert.Equal(t, "database is locked (code 5)\n####\nError Code : 5 (SQLITE_BUSY)\n\t(database is locked (code 5))\n", exc.Message)
	assert.Equal(t, []string{"at android.database.sqlite.SQLiteConnection.nativeExecuteForChangedRowCount(Native Method)"}, exc.Stack)
}

func TestParseJavaStackTraceAdditional(t *testing.T) {
	exc, err := ParseJavaStackTrace("Exception: msg\n" +
		"\tat org.File.function(File.java:100)\n" +
		"\tSuppressed: Exception2: msg2\n" +
		"\t\tat org.File.function(File.java:101)\n" +
		"Caused by: Exception3: msg3; no stack trace available\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"at org.File.function(File.java:100)"}, exc.Stack)
	assert.Equal(t, []string{
		"\tSuppressed: Exception2: msg2",
		"\t\tat org.File.function(File.java:101)",
		"Caused by: Exception3: msg3; no stack trace available",
	}, exc.Additional)
	assert.Equal(t, "Exception\n\tat org.File.function(File.java:100)", exc.PublicString())
}

func TestParseJavaStackTraceMalformed(t *testing.T) {
	for _, text := range []string{
		"",
		"\n\n",
		"Exception: msg\n\tat org.File.function(File.java:100)\nbadline",
	} {
		_, err := ParseJavaStackTrace(text)
		assert.ErrorIs(t, err, ErrMalformedJavaStackTrace, text)
	}
}

func TestJavaProcessRule(t *testing.T) {
	r := JavaProcessRule{}

	c := newCrash(nil)
	assert.False(t, r.Predicate(c))

	c = newCrash(crash.Document{"JavaStackTrace": javaTrace})
	act(t, r, c)
	assert.Equal(t, javaTrace, c.Processed["java_stack_trace_raw"])
	assert.Equal(t, "Exception\n"+
		"\tat org.File.function(File.java:100)\n"+
		"\tat org.File.function2(File.java:200)", c.Processed["java_stack_trace"])
	assert.NotContains(t, c.Processed["java_stack_trace"], "user@example.com")
	assert.Empty(t, c.Status.Notes())

	malformed := "Exception: msg\n\tat org.File.function(File.java:100)\nbadline"
	c = newCrash(crash.Document{"JavaStackTrace": malformed})
	act(t, r, c)
	assert.Equal(t, "malformed", c.Processed["java_stack_trace"])
	assert.Equal(t, malformed, c.Processed["java_stack_trace_raw"])
	assert.Equal(t, []string{"JavaProcessRule: malformed JavaStackTrace"}, c.Status.Notes())
}
