package peer

import (
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds a pion API with the default codecs and pion logs routed to
// loggerFactory. The setting engine may be nil.
func NewAPI(loggerFactory logging.LoggerFactory, se *webrtc.SettingEngine) (*webrtc.API, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if se == nil {
		se = &webrtc.SettingEngine{}
	}
	if loggerFactory != nil {
		se.LoggerFactory = loggerFactory
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(*se)), nil
}

// PionFactory returns a Factory creating real peer connections.
func PionFactory(api *webrtc.API, config webrtc.Configuration) Factory {
	return func() (RTC, error) {
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, err
		}
		return &pionRTC{pc: pc}, nil
	}
}

type pionRTC struct {
	pc *webrtc.PeerConnection
}

func (p *pionRTC) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionRTC) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionRTC) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionRTC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionRTC) Rollback() error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (p *pionRTC) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionRTC) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionRTC) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	// Incoming RTCP has to be read or it backs up.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *pionRTC) CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionRTC) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (p *pionRTC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionRTC) OnTrack(f func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (p *pionRTC) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (p *pionRTC) Close() error {
	return p.pc.Close()
}

// DrainRemote discards RTP from a remote track until it ends or media is
// released. Consumers that do not render a track use it to keep the
// receive buffers from filling.
func DrainRemote(media *RemoteMedia) {
	track, ok := media.Track.(*webrtc.TrackRemote)
	if !ok {
		return
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			select {
			case <-media.Done():
				return
			default:
			}
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}
