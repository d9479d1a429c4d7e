package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/microfab/labdaq"
	"github.com/microfab/labdaq/internal/daqdb"
	"github.com/microfab/labdaq/ljm"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("device.type", string(labdaq.DeviceAny))
	viper.SetDefault("device.connection", string(labdaq.ConnectAny))
	viper.SetDefault("device.identifier", "ANY")
	viper.SetDefault("control.mincommandinterval", "50ms")

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotLabdaq := filepath.Join(HOME, ".labdaq")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotLabdaq, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/labdaq"))
	viper.AddConfigPath(dotLabdaq)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	labdaq.Build.Date = buildDate
	labdaq.Build.Githash = githash
	labdaq.Build.Summary = fmt.Sprintf("LABDAQ version %s (git commit %s)", labdaq.Build.Version, githash)
	if host, err := os.Hostname(); err == nil {
		labdaq.Build.Host = host
	} else {
		labdaq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	simulate := flag.Bool("simulate", false, "run against a simulated device, no hardware needed")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is LABDAQ version %s\n", labdaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is LABDAQ version %s (git commit %s)\n", labdaq.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".labdaq", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	labdaq.ProblemLogger = startLogger(problemname)
	labdaq.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	labdaq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	var lib ljm.LJM
	if *simulate {
		fmt.Println("Running with a simulated device (-simulate).")
		lib = ljm.NewNoHardware()
	} else {
		log.Fatal("no hardware vendor library linked in this build; run with -simulate")
	}

	devtype := labdaq.DeviceType(viper.GetString("device.type"))
	conntype := labdaq.ConnectionType(viper.GetString("device.connection"))
	identifier := viper.GetString("device.identifier")
	daq, err := labdaq.Open(lib, devtype, conntype, identifier)
	if err != nil {
		log.Fatal(err)
	}
	defer daq.Close()

	abort := make(chan struct{})
	if db := daqdb.StartConnection(abort); db.IsConnected() {
		daq.SetRecorder(db)
		fmt.Println("Recording activity to the labdaq database.")
	}

	control, err := labdaq.NewDaqControl(daq)
	if err != nil {
		log.Fatal(err)
	}
	go labdaq.RunClientUpdater(labdaq.Ports.Status, abort)
	if err := labdaq.RunRPCServer(control, labdaq.Ports.RPC); err != nil {
		labdaq.ProblemLogger.Println(err)
	}
	close(abort)
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close() // error handling omitted for example
	runtime.GC()    // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
