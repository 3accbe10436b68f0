package scope

import (
	"reflect"
	"testing"
)

func TestFamilyFor(t *testing.T) {
	tests := []struct {
		model   string
		series  string
		kind    Kind
		analog  int
		pods    int
		profile FirmwareProfile
	}{
		{"DSO-X 3034A", "DSOX", KindBase, 4, 0, ProfileModeString},
		{"DSO-X 3012A", "DSOX", KindBase, 2, 0, ProfileModeString},
		{"DSOX1204G", "DSOX", KindBase, 4, 0, ProfileModeString},
		{"MSO-X 4154A", "MSOX", KindDigitalPod, 4, 2, ProfileModeString},
		{"MSO-X 3052A", "MSOX", KindDigitalPod, 2, 2, ProfileModeString},
		{"DHO804", "DHO", KindBase, 4, 0, ProfileModeString},
		{"DHO802", "DHO", KindBase, 2, 0, ProfileModeString},
		{"DHO914S", "DHOS", KindDigitalPod, 4, 2, ProfileModeString},
		{"DHO924S", "DHO924S", KindNamed, 4, 2, ProfileModeString},
		{"DHO1072", "DHO", KindBase, 2, 0, ProfileModeString},
		{"DHO1204", "DHO", KindBase, 4, 0, ProfileModeString},
		{"DHO4204", "DHO", KindBase, 4, 0, ProfileModeString},
		{"DHO1074S", "DHOS", KindDigitalPod, 4, 2, ProfileModeString},
		{"MXR058A", "MXR", KindBase, 8, 0, ProfileHardcopyToggle},
		{"MXR254A", "MXR", KindBase, 4, 0, ProfileHardcopyToggle},
		{"UXR0334A", "UXR", KindBase, 4, 0, ProfileHardcopyToggle},
		{"TBS1052B", "Generic", KindBase, 4, 0, ProfileModeString},
		{"", "Generic", KindBase, 4, 0, ProfileModeString},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			f := FamilyFor(tt.model)
			if f.Series != tt.series || f.Kind != tt.kind {
				t.Errorf("series/kind = %s/%s, want %s/%s", f.Series, f.Kind, tt.series, tt.kind)
			}
			if f.AnalogChannels != tt.analog || f.DigitalPods != tt.pods {
				t.Errorf("channels = %d+%d pods, want %d+%d", f.AnalogChannels, f.DigitalPods, tt.analog, tt.pods)
			}
			if f.Profile != tt.profile {
				t.Errorf("profile = %s, want %s", f.Profile, tt.profile)
			}
			if !reflect.DeepEqual(f.StatLayout, DefaultStatLayout) {
				t.Errorf("StatLayout = %v, want default", f.StatLayout)
			}
		})
	}
}

func TestValidChannels(t *testing.T) {
	got := FamilyFor("DHO924S").ValidChannels()
	want := []string{"CHAN1", "CHAN2", "CHAN3", "CHAN4", "POD1", "POD2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ValidChannels = %v, want %v", got, want)
	}
	if got := FamilyFor("DSO-X 3012A").ValidChannels(); !reflect.DeepEqual(got, []string{"CHAN1", "CHAN2"}) {
		t.Errorf("DSO-X 3012A channels = %v", got)
	}
}

func TestValidateChannel(t *testing.T) {
	pods := FamilyFor("MSO-X 4154A")
	plain := FamilyFor("DSO-X 3034A")

	tests := []struct {
		f       Family
		id      string
		want    string
		wantErr bool
	}{
		{pods, "1", "CHAN1", false},
		{pods, "chan4", "CHAN4", false},
		{pods, "CHANnel2", "CHAN2", false},
		{pods, "pod2", "POD2", false},
		{pods, "POD3", "", true},
		{pods, "5", "", true},
		{plain, "POD1", "", true},
		{plain, "CHAN3", "CHAN3", false},
	}
	for _, tt := range tests {
		t.Run(tt.f.Series+"/"+tt.id, func(t *testing.T) {
			got, err := tt.f.ValidateChannel(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
