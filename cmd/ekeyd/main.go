// Command ekeyd is the entropy key daemon: it attaches to one or more
// entropy key devices, runs each one's connection state machine, and
// forwards the entropy they produce to a single shared output sink.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/pion/logging"

	flag "github.com/spf13/pflag"

	"github.com/BlameOmar/ekeyd/connection"
	"github.com/BlameOmar/ekeyd/internal/ekeylog"
	"github.com/BlameOmar/ekeyd/keyring"
	"github.com/BlameOmar/ekeyd/sink"
	"github.com/BlameOmar/ekeyd/stream"
)

const defaultKernelDevice = "/dev/random"

func main() {
	var devices []string
	var keyringPath string
	var sinkKind string
	var outputPath string
	var kernelDevice string
	var bitsPerByte int
	var useSyslog bool
	var pidfile string

	flag.StringArrayVarP(&devices, "device", "d", nil, "path to an entropy key device (may be given more than once)")
	flag.StringVarP(&keyringPath, "keyring", "f", keyring.DefaultPath, "path to the keyring file")
	flag.StringVar(&sinkKind, "sink", "kernel", "output sink: kernel, file, or foldback")
	flag.StringVarP(&outputPath, "output", "o", "", "output file path, for -sink=file")
	flag.StringVar(&kernelDevice, "kernel-device", defaultKernelDevice, "kernel random device, for -sink=kernel")
	flag.IntVar(&bitsPerByte, "bits-per-byte", 8, "entropy credited per byte, for -sink=kernel")
	flag.BoolVar(&useSyslog, "syslog", true, "log to syslog instead of stderr")
	flag.StringVarP(&pidfile, "pidfile", "p", "", "write the daemon's pid to this file")
	flag.Parse()

	if len(devices) == 0 {
		fmt.Fprintln(os.Stderr, "At least one -device must be given.")
		os.Exit(1)
	}

	var loggerFactory logging.LoggerFactory
	if useSyslog {
		f, err := ekeylog.NewSyslogFactory("ekeyd")
		if err != nil {
			fmt.Fprintln(os.Stderr, "Unable to open syslog:", err)
			os.Exit(1)
		}
		loggerFactory = f
	} else {
		loggerFactory = ekeylog.NewStdFactory(nil)
	}
	log := loggerFactory.NewLogger("ekeyd")

	out, err := openSink(sinkKind, outputPath, kernelDevice, bitsPerByte)
	if err != nil {
		log.Errorf("unable to open output sink: %s", err)
		os.Exit(1)
	}
	if closer, ok := out.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	kr, err := keyring.Load(keyringPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("unable to read keyring %s: %s", keyringPath, err)
			os.Exit(1)
		}
		kr = keyring.New()
	}

	if pidfile != "" {
		if err := os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
			log.Warnf("unable to write pidfile %s: %s", pidfile, err)
		}
		defer os.Remove(pidfile)
	}

	log.Info("starting entropy key daemon")

	var wg sync.WaitGroup
	stopping := make(chan struct{})
	for _, devPath := range devices {
		wg.Add(1)
		go func(devPath string) {
			defer wg.Done()
			runDevice(devPath, out, kr, loggerFactory, stopping)
		}(devPath)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	close(stopping)

	log.Info("entropy key daemon stopping")
}

// openSink constructs the single output sink every device connection
// writes decrypted entropy to.
func openSink(kind, outputPath, kernelDevice string, bitsPerByte int) (sink.Sink, error) {
	switch kind {
	case "kernel":
		return sink.OpenKernel(kernelDevice, bitsPerByte)
	case "file":
		if outputPath == "" {
			return nil, fmt.Errorf("-sink=file requires -output")
		}
		return sink.OpenFile(outputPath)
	case "foldback":
		return sink.NewFoldback(func(p []byte) (int, error) {
			return os.Stdout.Write(p)
		}), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", kind)
	}
}

// runDevice owns one device's stream and connection state machine for
// as long as the device stays attached or stopping is closed.
func runDevice(devPath string, out sink.Sink, kr *keyring.Keyring, loggerFactory logging.LoggerFactory, stopping <-chan struct{}) {
	log := loggerFactory.NewLogger("ekeyd")

	dev, err := stream.Open(devPath)
	if err != nil {
		log.Errorf("unable to open %s: %s", devPath, err)
		return
	}
	defer dev.Close()

	log.Infof("attached entropy key %s", devPath)

	conn := connection.New(dev, out, kr, loggerFactory.NewLogger("connection"))
	for {
		select {
		case <-stopping:
			log.Infof("detaching entropy key %s", devPath)
			return
		default:
		}

		result, err := conn.Step()
		if err != nil {
			log.Warnf("%s: %s", devPath, err)
		}
		if result == connection.Closed {
			log.Infof("entropy key %s closed", devPath)
			return
		}
	}
}
