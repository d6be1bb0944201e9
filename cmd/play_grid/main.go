package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/cbegin/stepgrid-go"
)

func main() {
	var (
		sampleRate  = flag.Int("sample-rate", 44100, "output sample rate")
		projectPath = flag.String("file", "", "path to a project JSON file")
		loop        = flag.Bool("loop", true, "loop playback; use with -cycles to count then stop")
		cycles      = flag.Int("cycles", 0, "when looping, stop after N cycles (0 = loop forever); when rendering, number of cycles to render")
		volume      = flag.Float64("volume", 1.0, "master volume scalar")
		renderPath  = flag.String("render", "", "render to a WAV file instead of playing live")
		midiPath    = flag.String("export-midi", "", "write the step grid as a standard MIDI file and exit")
		verbose     = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	if *projectPath == "" {
		flag.Usage()
		log.Fatal("-file is required")
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	if *midiPath != "" {
		data, err := os.ReadFile(*projectPath)
		if err != nil {
			log.Fatal(err)
		}
		project, err := stepgrid.ParseProject(data)
		if err != nil {
			log.Fatal(err)
		}
		if err := stepgrid.ExportSMF(project, *midiPath); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("wrote %s\n", *midiPath)
		return
	}

	if *renderPath != "" {
		renderToFile(*projectPath, *renderPath, *sampleRate, *cycles, logger)
		return
	}

	pl, err := stepgrid.NewPlayer(*sampleRate,
		stepgrid.WithLoopPlayback(*loop),
		stepgrid.WithLogger(logger),
	)
	if err != nil {
		log.Fatal(err)
	}
	pl.SetMasterVolume(*volume)
	ch := pl.Watch()
	if err := pl.LoadProjectFile(*projectPath); err != nil {
		log.Fatal(err)
	}
	if err := pl.Play(context.Background()); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	cycleCount := 0
loop:
	for {
		select {
		case <-sig:
			fmt.Println("stopping")
			pl.Stop()
		case event := <-ch:
			switch event.Kind {
			case stepgrid.EventPlaybackEnded:
				fmt.Println("playback completed")
				break loop
			case stepgrid.EventCycleCompleted:
				cycleCount++
				fmt.Printf("cycle %d completed\n", cycleCount)
				if *loop && *cycles > 0 && cycleCount >= *cycles {
					pl.Stop()
				}
			}
		}
	}
	pl.Wait()
}

func renderToFile(projectPath, outPath string, sampleRate, cycles int, logger zerolog.Logger) {
	if cycles < 1 {
		cycles = 1
	}
	data, err := os.ReadFile(projectPath)
	if err != nil {
		log.Fatal(err)
	}
	project, err := stepgrid.ParseProject(data)
	if err != nil {
		log.Fatal(err)
	}
	buffers, err := stepgrid.ResolveSources(context.Background(), project, sampleRate, logger)
	if err != nil {
		log.Fatal(err)
	}
	samples := stepgrid.RenderProject(project, buffers, sampleRate, cycles)
	if err := stepgrid.WriteWAVFile(outPath, samples, sampleRate); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s (%d cycles, %.2fs)\n", outPath, cycles, float64(len(samples)/2)/float64(sampleRate))
}
