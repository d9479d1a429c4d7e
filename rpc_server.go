package labdaq

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"
)

// DaqControl is the RPC server that handles remote register access and
// stream control for one open device.
type DaqControl struct {
	daq      *DAQ
	updater  *Updater
	streamer *Streamer
	interval *Intervaler

	statusLock sync.Mutex // guards status, written by handlers and the broadcast ticker
	status     ServerStatus
}

// ServerStatus is the status that DaqControl reports to clients.
type ServerStatus struct {
	DeviceType     string
	ConnectionType string
	SerialNumber   int
	StreamRunning  bool
	StreamChannel  string
	ScanRate       float64
}

// NewDaqControl builds the control server over an open DAQ. Writes issued
// through it are spaced by the configured minimum command interval.
func NewDaqControl(daq *DAQ) (*DaqControl, error) {
	registry := daq.Registry()
	readNames := registry.Names()
	var writeNames []string
	for _, name := range readNames {
		if spec, err := registry.Lookup(name); err == nil && spec.Writable {
			writeNames = append(writeNames, name)
		}
	}
	updater, err := daq.NewUpdater(readNames, writeNames)
	if err != nil {
		return nil, err
	}
	dc := &DaqControl{
		daq:      daq,
		updater:  updater,
		streamer: daq.NewStreamer(),
		interval: daq.NewIntervaler(viper.GetDuration("control.mincommandinterval")),
	}
	info := daq.Info()
	dc.status = ServerStatus{
		DeviceType:     info.DeviceType,
		ConnectionType: info.ConnectionType,
		SerialNumber:   info.SerialNumber,
	}
	return dc, nil
}

// RegisterArgs holds the arguments to a WriteRegister operation.
type RegisterArgs struct {
	Name  string
	Value float64
}

// ReadRegister is the RPC-callable service to read one register.
func (dc *DaqControl) ReadRegister(name *string, reply *float64) error {
	value, err := dc.updater.Read(*name)
	if err != nil {
		return err
	}
	*reply = value
	return nil
}

// WriteRegister is the RPC-callable service to write one register. Repeated
// writes are throttled to the configured minimum command interval.
func (dc *DaqControl) WriteRegister(args *RegisterArgs, reply *bool) error {
	err := dc.interval.Do(func() error {
		return dc.updater.Write(args.Name, args.Value)
	})
	*reply = (err == nil)
	if err == nil {
		publish("REGISTER", args)
	}
	return err
}

// ReadAllRegisters is the RPC-callable service to read the whole registry.
func (dc *DaqControl) ReadAllRegisters(dummy *string, reply *map[string]float64) error {
	values, err := dc.updater.ReadAll()
	if err != nil {
		return err
	}
	*reply = values
	return nil
}

// ConfigureStream is the RPC-callable service to set up a stream-out
// session. The accepted configuration is saved to the config file so it is
// restored on the next run.
func (dc *DaqControl) ConfigureStream(cfg *StreamConfig, reply *bool) error {
	err := dc.streamer.Configure(*cfg)
	*reply = (err == nil)
	if err != nil {
		return err
	}
	viper.Set("stream", cfg)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save stream config: %v", err)
	}
	publish("STREAMCONFIG", cfg)
	return nil
}

// StartStream is the RPC-callable service to begin continuous output.
func (dc *DaqControl) StartStream(dummy *string, reply *bool) error {
	err := dc.streamer.Start()
	*reply = (err == nil)
	if err == nil {
		dc.broadcastUpdate()
	}
	return err
}

// StopStream is the RPC-callable service to halt continuous output.
func (dc *DaqControl) StopStream(dummy *string, reply *bool) error {
	err := dc.streamer.Stop()
	*reply = (err == nil)
	dc.broadcastUpdate()
	return err
}

func (dc *DaqControl) broadcastUpdate() {
	running := dc.streamer.Running()
	cfg := dc.streamer.Config()
	dc.statusLock.Lock()
	dc.status.StreamRunning = running
	dc.status.StreamChannel = cfg.Channel
	dc.status.ScanRate = cfg.SampleRate
	status := dc.status
	dc.statusLock.Unlock()
	if viper.GetBool("Verbose") {
		UpdateLogger.Print(spew.Sdump(status))
	}
	publish("STATUS", status)
}

// Status is the RPC-callable service to fetch the current server status.
func (dc *DaqControl) Status(dummy *string, reply *ServerStatus) error {
	dc.broadcastUpdate()
	dc.statusLock.Lock()
	*reply = dc.status
	dc.statusLock.Unlock()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (dc *DaqControl) SendAllStatus(dummy *string, reply *bool) error {
	dc.broadcastUpdate()
	publish("SENDALL", 0)
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for the control
// object. It restores the saved stream configuration, if any, before
// accepting connections.
func RunRPCServer(control *DaqControl, portrpc int) error {
	// Load stored settings.
	var okay bool
	var cfg StreamConfig
	UpdateLogger.Printf("labdaq is using config file %s", viper.ConfigFileUsed())
	if err := viper.UnmarshalKey("stream", &cfg); err == nil && cfg.Channel != "" {
		if err := control.ConfigureStream(&cfg, &okay); err != nil {
			ProblemLogger.Printf("saved stream config rejected: %v", err)
		}
	}

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			control.broadcastUpdate()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %v", err)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept error: %v", err)
		}
		UpdateLogger.Printf("new connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
