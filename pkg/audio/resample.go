package audio

// foldToMono averages the channels of each interleaved frame down to a
// single 16-bit sample. The average of n int16 values always fits in an
// int16, so no clamping is needed. Input with one channel (or fewer) is
// returned unchanged.
func foldToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frame := 2 * channels
	frames := len(pcm) / frame
	out := make([]byte, frames*2)
	for i := range frames {
		base := i * frame
		sum := 0
		for c := range channels {
			sum += int(int16(pcm[base+c*2]) | int16(pcm[base+c*2+1])<<8)
		}
		avg := sum / channels
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// resample16 linearly resamples interleaved 16-bit PCM from srcRate to
// dstRate, preserving the channel count. Same-rate input is returned
// unchanged. The last frame is held when interpolation runs past the end.
func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	frame := 2 * channels
	srcFrames := len(pcm) / frame
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frame)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for c := range channels {
			a := int16(pcm[idx*frame+c*2]) | int16(pcm[idx*frame+c*2+1])<<8
			b := int16(pcm[next*frame+c*2]) | int16(pcm[next*frame+c*2+1])<<8
			s := int16(float64(a)*(1-frac) + float64(b)*frac)
			out[i*frame+c*2] = byte(s)
			out[i*frame+c*2+1] = byte(s >> 8)
		}
	}
	return out
}
