package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess stands in for ffmpeg when re-executed by helperCommand.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("JTSTREAM_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	output := args[len(args)-1]

	switch os.Getenv("HELPER_MODE") {
	case "cat":
		f, err := os.Create(output)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		n, _ := io.Copy(f, os.Stdin)
		f.Close()
		fmt.Fprintf(os.Stderr, "wrote %d bytes\n", n)
		os.Exit(0)
	case "hang":
		fmt.Fprintln(os.Stderr, "hanging")
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		fmt.Fprintln(os.Stderr, "unknown input format")
		os.Exit(1)
	}
}

func helperCommand(t *testing.T, mode, output string) *Command {
	t.Helper()
	cmd := NewCommandBuilder(os.Args[0]).
		HideBanner().
		InputFormat("h264").
		Input(PipeInput).
		CopyCodecs().
		Output(output).
		Build()
	cmd.Args = append([]string{"-test.run=TestHelperProcess", "--"}, cmd.Args...)
	t.Setenv("JTSTREAM_WANT_HELPER_PROCESS", "1")
	t.Setenv("HELPER_MODE", mode)
	return cmd
}

func TestCommandBuilder_HLSIngest(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		HideBanner().
		LogLevel("error").
		Realtime().
		InputFormat("h264").
		Input(PipeInput).
		CopyCodecs().
		HLS(HLSOptions{
			InitTime:        1,
			SegmentTime:     6,
			ListSize:        10,
			Flags:           "delete_segments",
			Strftime:        true,
			SegmentFilename: "dev/streams/%Y-%m-%d_%H-%M-%S.ts",
		}).
		Output("dev/playlist.m3u8").
		Build()

	want := []string{
		"-hide_banner", "-loglevel", "error",
		"-re", "-f", "h264", "-i", "pipe:",
		"-c", "copy",
		"-strftime", "1",
		"-hls_init_time", "1",
		"-hls_time", "6",
		"-hls_segment_filename", "dev/streams/%Y-%m-%d_%H-%M-%S.ts",
		"-hls_list_size", "10",
		"-hls_flags", "delete_segments",
		"-f", "hls",
		"dev/playlist.m3u8",
	}
	assert.Equal(t, want, cmd.Args)
	assert.Equal(t, PipeInput, cmd.Input)
}

func TestCommand_NotStarted(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").Input(PipeInput).Output("out").Build()

	assert.False(t, cmd.IsRunning())
	assert.Zero(t, cmd.PID())
	assert.Nil(t, cmd.Stdin())
	assert.Nil(t, cmd.ProcessStats())
	assert.NoError(t, cmd.Kill())
	assert.ErrorIs(t, cmd.Wait(), ErrNotStarted)
}

func TestCommand_PipeInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.bin")
	cmd := helperCommand(t, "cat", out)

	require.NoError(t, cmd.Start(context.Background()))
	assert.True(t, cmd.IsRunning())
	assert.NotZero(t, cmd.PID())

	stdin := cmd.Stdin()
	require.NotNil(t, stdin)
	w := NewCountingWriter(stdin, cmd.Monitor())
	payload := bytes.Repeat([]byte{0x00, 0x00, 0x00, 0x01, 0x65}, 1000)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, stdin.Close())

	require.NoError(t, cmd.Wait())
	assert.False(t, cmd.IsRunning())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, []string{fmt.Sprintf("wrote %d bytes", len(payload))}, cmd.GetStderrLines())
	assert.Equal(t, uint64(len(payload)), w.Total())
	assert.Equal(t, uint64(len(payload)), cmd.ProcessStats().BytesWritten)
}

func TestCommand_OutlivesStartContext(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.bin")
	cmd := helperCommand(t, "cat", out)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, cmd.Start(ctx))
	cancel()

	// The process must still accept input and exit on its own.
	_, err := cmd.Stdin().Write([]byte("last-gop"))
	require.NoError(t, err)
	require.NoError(t, cmd.Stdin().Close())
	require.NoError(t, cmd.Wait())

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "last-gop", string(got))
}

func TestCommand_StartWithDoneContext(t *testing.T) {
	cmd := helperCommand(t, "cat", filepath.Join(t.TempDir(), "out"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cmd.Start(ctx), context.Canceled)
	assert.False(t, cmd.IsRunning())
}

func TestCommand_FailureCapturesStderr(t *testing.T) {
	cmd := helperCommand(t, "fail", filepath.Join(t.TempDir(), "out"))

	require.NoError(t, cmd.Start(context.Background()))
	err := cmd.Wait()
	require.Error(t, err)
	assert.Equal(t, "unknown input format", cmd.LastStderrLine())

	// Wait is repeatable.
	assert.Equal(t, err, cmd.Wait())
}

func TestCommand_Kill(t *testing.T) {
	cmd := helperCommand(t, "hang", filepath.Join(t.TempDir(), "out"))

	require.NoError(t, cmd.Start(context.Background()))
	require.NoError(t, cmd.Kill())

	select {
	case <-waitAsync(cmd):
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after kill")
	}
	assert.False(t, cmd.IsRunning())
}

func TestCommand_StartTwice(t *testing.T) {
	cmd := helperCommand(t, "cat", filepath.Join(t.TempDir(), "out"))
	require.NoError(t, cmd.Start(context.Background()))
	defer func() {
		_ = cmd.Stdin().Close()
		_ = cmd.Wait()
	}()

	assert.Error(t, cmd.Start(context.Background()))
}

func TestCommand_StderrLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "ffmpeg.log")
	cmd := NewCommandBuilder(os.Args[0]).
		Input(PipeInput).
		StderrLogPath(logPath).
		Output(filepath.Join(dir, "out")).
		Build()
	cmd.Args = append([]string{"-test.run=TestHelperProcess", "--"}, cmd.Args...)
	t.Setenv("JTSTREAM_WANT_HELPER_PROCESS", "1")
	t.Setenv("HELPER_MODE", "fail")

	require.NoError(t, cmd.Start(context.Background()))
	_ = cmd.Wait()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "unknown input format")
	assert.Contains(t, string(data), "=== FFmpeg session ended")
}

func waitAsync(cmd *Command) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- cmd.Wait() }()
	return ch
}

func TestParseVersion(t *testing.T) {
	out := "ffmpeg version n6.1.1 Copyright (c) 2000-2023 the FFmpeg developers\n" +
		"built with gcc 13.2.1 (GCC) 20230801\n" +
		"configuration: --prefix=/usr --enable-gpl\n"

	info, err := parseVersion(out)
	require.NoError(t, err)
	assert.Equal(t, "n6.1.1", info.Version)
	assert.Equal(t, 6, info.MajorVersion)
	assert.Equal(t, 1, info.MinorVersion)
	assert.Equal(t, "gcc 13.2.1 (GCC) 20230801", info.BuildDate)
	assert.Equal(t, "--prefix=/usr --enable-gpl", info.Configuration)

	_, err = parseVersion("not ffmpeg")
	assert.Error(t, err)
}

func TestParseFormats(t *testing.T) {
	out := "File formats:\n" +
		" D. = Demuxing supported\n" +
		" .E = Muxing supported\n" +
		" --\n" +
		" D  h264            raw H.264 video\n" +
		" D  hevc            raw HEVC video\n" +
		"  E hls             Apple HTTP Live Streaming\n" +
		" DE mov,mp4,m4a     QuickTime / MOV\n"

	info := &BinaryInfo{Formats: parseFormats(out)}
	require.Len(t, info.Formats, 4)
	assert.True(t, info.CanDemux("h264"))
	assert.True(t, info.CanDemux("hevc"))
	assert.False(t, info.CanMux("h264"))
	assert.True(t, info.CanMux("hls"))
	assert.True(t, info.CanMux("mp4"))
	assert.Equal(t, "Apple HTTP Live Streaming", info.Formats[2].LongName)
}

func TestBinaryInfo_SupportsMinVersion(t *testing.T) {
	info := &BinaryInfo{MajorVersion: 6, MinorVersion: 1}
	assert.True(t, info.SupportsMinVersion(5, 9))
	assert.True(t, info.SupportsMinVersion(6, 1))
	assert.False(t, info.SupportsMinVersion(6, 2))
	assert.False(t, info.SupportsMinVersion(7, 0))
}

func TestBinaryInfo_JSON(t *testing.T) {
	info := &BinaryInfo{FFmpegPath: "/usr/bin/ffmpeg", Version: "6.0"}
	assert.Contains(t, info.JSON(), `"ffmpeg_path": "/usr/bin/ffmpeg"`)
}

func TestFindFFmpeg_Configured(t *testing.T) {
	_, err := FindFFmpeg(filepath.Join(t.TempDir(), "missing-ffmpeg"))
	assert.Error(t, err)

	path, err := FindFFmpeg(os.Args[0])
	require.NoError(t, err)
	assert.Equal(t, os.Args[0], path)
}

func TestFindFFmpeg_EnvOverride(t *testing.T) {
	t.Setenv(BinaryEnvVar, os.Args[0])

	path, err := FindFFmpeg("")
	require.NoError(t, err)
	assert.Equal(t, os.Args[0], path)
}

func TestProcessMonitor_Sample(t *testing.T) {
	pm := NewProcessMonitor(os.Getpid())
	pm.SetInterval(10 * time.Millisecond)
	pm.Start()
	pm.AddBytesWritten(128)
	time.Sleep(50 * time.Millisecond)
	pm.Stop()

	stats := pm.Stats()
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.Equal(t, uint64(128), stats.BytesWritten)
	assert.NotZero(t, stats.MemoryRSSBytes)
	assert.False(t, stats.LastUpdated.IsZero())
}
